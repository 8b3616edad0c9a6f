package objecttype

import (
	"encoding/json"
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrUnknownType    = errors.New("unknown object type")
	ErrNotNavigable   = errors.New("object type has no url template")
	ErrParentRequired = errors.New("parent id required")
	ErrNoAPI          = errors.New("object type has no api")
)

const (
	placeholderID     = "{id}"
	placeholderParent = "{parent}"
)

// URLExtractor pulls an identifier out of a URL. The URL is split on
// "/", "?", "=" and "&"; the token Offset positions after Keyword is
// returned. With FromEnd the token is counted backwards from the last one
// instead, Keyword only gating applicability.
type URLExtractor struct {
	Keyword string `yaml:"keyword" json:"keyword"`
	Offset  int    `yaml:"offset,omitempty" json:"offset,omitempty"`
	FromEnd bool   `yaml:"fromEnd,omitempty" json:"fromEnd,omitempty"`
}

// API describes the single detail request issued for a type.
type API struct {
	Method        string `yaml:"method" json:"method"`
	Endpoint      string `yaml:"endpoint" json:"endpoint"`
	PathToName    string `yaml:"pathToName" json:"pathToName"`
	NameTemplate  string `yaml:"nameTemplate,omitempty" json:"nameTemplate,omitempty"`
	PathToDetails string `yaml:"pathToDetails,omitempty" json:"pathToDetails,omitempty"`
	BodyTemplate  string `yaml:"bodyTemplate,omitempty" json:"bodyTemplate,omitempty"`
	DeletedPath   string `yaml:"deletedPath,omitempty" json:"deletedPath,omitempty"`
}

// ParentLookup is a request whose response carries the parent id at Path.
type ParentLookup struct {
	Method       string `yaml:"method" json:"method"`
	Endpoint     string `yaml:"endpoint" json:"endpoint"`
	Path         string `yaml:"path" json:"path"`
	BodyTemplate string `yaml:"bodyTemplate,omitempty" json:"bodyTemplate,omitempty"`
}

// Descriptor is the immutable record for one object type.
type Descriptor struct {
	ID              string        `yaml:"id" json:"id"`
	DisplayName     string        `yaml:"displayName" json:"displayName"`
	IDPattern       string        `yaml:"idPattern" json:"idPattern"`
	URLTemplate     string        `yaml:"urlTemplate,omitempty" json:"urlTemplate,omitempty"`
	URLExtractor    *URLExtractor `yaml:"urlExtractor,omitempty" json:"urlExtractor,omitempty"`
	ParentExtractor *URLExtractor `yaml:"parentExtractor,omitempty" json:"parentExtractor,omitempty"`
	API             *API          `yaml:"api,omitempty" json:"api,omitempty"`
	Parents         []string      `yaml:"parents,omitempty" json:"parents,omitempty"`
	ParentLookup    *ParentLookup `yaml:"parentLookup,omitempty" json:"parentLookup,omitempty"`

	idRe *regexp.Regexp
}

// Request is a tenant-relative API call derived from a descriptor.
type Request struct {
	Method string
	Path   string
	Body   string
}

func (d Descriptor) IsValidID(id string) bool {
	if id == "" {
		return false
	}
	if d.idRe == nil {
		return true
	}
	return d.idRe.MatchString(id)
}

func (d Descriptor) HasURL() bool { return d.URLTemplate != "" }

func (d Descriptor) HasAPI() bool { return d.API != nil }

func (d Descriptor) RequiresParentForURL() bool {
	return strings.Contains(d.URLTemplate, placeholderParent)
}

func (d Descriptor) RequiresParentForAPI() bool {
	if d.API == nil {
		return false
	}
	return strings.Contains(d.API.Endpoint, placeholderParent) ||
		strings.Contains(d.API.BodyTemplate, placeholderParent)
}

// CanonicalParent returns the first parent type id, or "".
func (d Descriptor) CanonicalParent() string {
	if len(d.Parents) == 0 {
		return ""
	}
	return d.Parents[0]
}

// ExtractIDFromURL returns the id for this type found in rawURL, or "" when
// the extractor does not apply or the token fails the id pattern.
func (d Descriptor) ExtractIDFromURL(rawURL string) string {
	id := extractToken(d.URLExtractor, rawURL)
	if !d.IsValidID(id) {
		return ""
	}
	return id
}

// ExtractParentFromURL applies the parent extractor. The result is not
// validated here since the parent's pattern belongs to another descriptor.
func (d Descriptor) ExtractParentFromURL(rawURL string) string {
	return extractToken(d.ParentExtractor, rawURL)
}

// BuildURL returns the tenant-absolute URL for id.
func (d Descriptor) BuildURL(baseURL, id, parentID string) (string, error) {
	if !d.HasURL() {
		return "", ErrNotNavigable
	}
	if d.RequiresParentForURL() && parentID == "" {
		return "", ErrParentRequired
	}
	path := substitute(d.URLTemplate, id, parentID, url.PathEscape)
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"), nil
}

// DetailRequest builds the api request for id.
func (d Descriptor) DetailRequest(id, parentID string) (Request, error) {
	if d.API == nil {
		return Request{}, ErrNoAPI
	}
	if d.RequiresParentForAPI() && parentID == "" {
		return Request{}, ErrParentRequired
	}
	return Request{
		Method: d.API.Method,
		Path:   substitute(d.API.Endpoint, id, parentID, url.PathEscape),
		Body:   substitute(d.API.BodyTemplate, id, parentID, jsonEscape),
	}, nil
}

// ParentRequest builds the request configured in parentLookup.
func (d Descriptor) ParentRequest(id string) (Request, bool) {
	if d.ParentLookup == nil {
		return Request{}, false
	}
	return Request{
		Method: d.ParentLookup.Method,
		Path:   substitute(d.ParentLookup.Endpoint, id, "", url.PathEscape),
		Body:   substitute(d.ParentLookup.BodyTemplate, id, "", jsonEscape),
	}, true
}

// ExtractName reads the display name from an api response. A name template
// wins when every placeholder it references resolves.
func (d Descriptor) ExtractName(body []byte) string {
	if d.API == nil {
		return ""
	}
	if d.API.NameTemplate != "" {
		if name, ok := renderNameTemplate(d.API.NameTemplate, body); ok {
			return name
		}
	}
	if d.API.PathToName == "" {
		return ""
	}
	return strings.TrimSpace(gjson.GetBytes(body, d.API.PathToName).String())
}

// ExtractDetails narrows body to pathToDetails when configured.
func (d Descriptor) ExtractDetails(body []byte) json.RawMessage {
	if d.API == nil || d.API.PathToDetails == "" {
		return json.RawMessage(body)
	}
	res := gjson.GetBytes(body, d.API.PathToDetails)
	if !res.Exists() {
		return json.RawMessage(body)
	}
	return json.RawMessage(res.Raw)
}

// IsDeleted reports whether the payload marks the object deleted.
func (d Descriptor) IsDeleted(body []byte) bool {
	if d.API == nil || d.API.DeletedPath == "" {
		return false
	}
	return gjson.GetBytes(body, d.API.DeletedPath).Bool()
}

// ParentIDFrom reads the parent id from a parentLookup response.
func (d Descriptor) ParentIDFrom(body []byte) string {
	if d.ParentLookup == nil {
		return ""
	}
	return strings.TrimSpace(gjson.GetBytes(body, d.ParentLookup.Path).String())
}

func extractToken(ex *URLExtractor, rawURL string) string {
	if ex == nil || ex.Keyword == "" {
		return ""
	}
	tokens := tokenize(rawURL)
	at := -1
	for i, tok := range tokens {
		if tok == ex.Keyword {
			at = i
			break
		}
	}
	if at < 0 {
		return ""
	}
	offset := ex.Offset
	if offset <= 0 {
		offset = 1
	}
	idx := at + offset
	if ex.FromEnd {
		idx = len(tokens) - offset
		if idx <= at {
			return ""
		}
	}
	if idx < 0 || idx >= len(tokens) {
		return ""
	}
	return tokens[idx]
}

func tokenize(rawURL string) []string {
	target := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		target = u.EscapedPath()
		if u.RawQuery != "" {
			target += "?" + u.RawQuery
		}
	} else if i := strings.IndexByte(target, '#'); i >= 0 {
		target = target[:i]
	}
	parts := strings.FieldsFunc(target, func(r rune) bool {
		return r == '/' || r == '?' || r == '=' || r == '&'
	})
	for i, p := range parts {
		if v, err := url.PathUnescape(p); err == nil {
			parts[i] = v
		}
	}
	return parts
}

func substitute(tmpl, id, parentID string, esc func(string) string) string {
	if tmpl == "" {
		return ""
	}
	out := strings.ReplaceAll(tmpl, placeholderID, esc(id))
	return strings.ReplaceAll(out, placeholderParent, esc(parentID))
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}

var nameTemplateVar = regexp.MustCompile(`\{([^{}]+)\}`)

func renderNameTemplate(tmpl string, body []byte) (string, bool) {
	ok := true
	out := nameTemplateVar.ReplaceAllStringFunc(tmpl, func(m string) string {
		res := gjson.GetBytes(body, m[1:len(m)-1])
		if !res.Exists() || res.String() == "" {
			ok = false
			return ""
		}
		return res.String()
	})
	return strings.TrimSpace(out), ok
}
