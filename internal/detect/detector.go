// Package detect decides which object a URL or bare identifier refers to
// and enriches it with display metadata.
package detect

import (
	"net/url"
	"sort"
	"strings"

	"github.com/dgnsrekt/domo_companion/internal/object"
	"github.com/dgnsrekt/domo_companion/internal/objecttype"
)

const DefaultHostSuffix = ".domo.com"

// DefaultExcludedHosts are host-domain names that are never tenants.
var DefaultExcludedHosts = []string{"www.domo.com", "domo.com", "developer.domo.com", "knowledge.domo.com"}

// urlRule matches when its keywords appear in order among the URL tokens
// and the type's extractor yields a valid id.
type urlRule struct {
	desc     objecttype.Descriptor
	keywords []string
	width    int
}

type Detector struct {
	reg        *objecttype.Registry
	hostSuffix string
	excluded   map[string]bool
	rules      []urlRule
}

func New(reg *objecttype.Registry, hostSuffix string, excludedHosts []string) *Detector {
	hostSuffix = strings.ToLower(strings.TrimSpace(hostSuffix))
	if hostSuffix == "" {
		hostSuffix = DefaultHostSuffix
	}
	if !strings.HasPrefix(hostSuffix, ".") {
		hostSuffix = "." + hostSuffix
	}
	excluded := make(map[string]bool, len(excludedHosts))
	for _, h := range excludedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			excluded[h] = true
		}
	}
	return &Detector{
		reg:        reg,
		hostSuffix: hostSuffix,
		excluded:   excluded,
		rules:      buildRules(reg),
	}
}

func (d *Detector) Registry() *objecttype.Registry { return d.reg }

func (d *Detector) HostSuffix() string { return d.hostSuffix }

// buildRules orders navigable types from most to least specific: more
// literal keywords first, then longer templates, then registry order.
// Unrestricted-id types are left out since any token would satisfy them.
func buildRules(reg *objecttype.Registry) []urlRule {
	var rules []urlRule
	for _, desc := range reg.Navigable() {
		if desc.IDPattern == ".*" {
			continue
		}
		keywords, width := templateKeywords(desc.URLTemplate)
		if len(keywords) == 0 {
			continue
		}
		rules = append(rules, urlRule{desc: desc, keywords: keywords, width: width})
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if len(rules[i].keywords) != len(rules[j].keywords) {
			return len(rules[i].keywords) > len(rules[j].keywords)
		}
		return rules[i].width > rules[j].width
	})
	return rules
}

// templateKeywords returns the literal tokens preceding {id} and the
// template's total token count.
func templateKeywords(tmpl string) ([]string, int) {
	tokens := splitTokens(tmpl)
	var keywords []string
	for _, tok := range tokens {
		if tok == "{id}" {
			break
		}
		if strings.HasPrefix(tok, "{") {
			continue
		}
		keywords = append(keywords, tok)
	}
	return keywords, len(tokens)
}

func splitTokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '/' || r == '?' || r == '=' || r == '&'
	})
}

func (r urlRule) matches(tokens []string) bool {
	i := 0
	for _, tok := range tokens {
		if i < len(r.keywords) && tok == r.keywords[i] {
			i++
		}
	}
	return i == len(r.keywords)
}

// Tenant returns the tenant name and base URL of rawURL, with ok=false when
// the host is not a tenant of the host domain.
func (d *Detector) Tenant(rawURL string) (tenant, baseURL string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return "", "", false
	}
	host := strings.ToLower(u.Hostname())
	if d.excluded[host] || !strings.HasSuffix(host, d.hostSuffix) {
		return "", "", false
	}
	tenant = strings.TrimSuffix(host, d.hostSuffix)
	if tenant == "" {
		return "", "", false
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return tenant, scheme + "://" + u.Host, true
}

// IsAuthPath reports login/logout/SSO pages, which carry no object.
func IsAuthPath(path string) bool {
	p := strings.ToLower(strings.TrimRight(path, "/"))
	for _, prefix := range []string{"/auth", "/login", "/logout", "/sso", "/saml"} {
		if p == prefix || strings.HasPrefix(p, prefix+"/") || strings.HasPrefix(p, prefix+"?") {
			return true
		}
	}
	return false
}

// FromURL detects the object shown at rawURL. state may be nil; DOM rules
// that cannot be evaluated fall through to URL rules. Nil is returned for
// hosts that are not tenants and for URLs that match no rule.
func (d *Detector) FromURL(rawURL string, state *PageState) *object.Value {
	rawURL = strings.TrimSpace(rawURL)
	_, baseURL, ok := d.Tenant(rawURL)
	if !ok {
		return nil
	}
	u, _ := url.Parse(rawURL)
	tokens := splitTokens(u.EscapedPath() + "?" + u.RawQuery)

	if v := d.fromDrillPath(rawURL, baseURL, state); v != nil {
		return v
	}
	if state != nil && state.ModalCardID != "" {
		if v, err := object.New(d.reg, "CARD", state.ModalCardID, baseURL, object.WithSourceURL(rawURL)); err == nil {
			return v
		}
	}

	for _, r := range d.rules {
		if !r.matches(tokens) {
			continue
		}
		id := r.desc.ExtractIDFromURL(rawURL)
		if id == "" {
			continue
		}
		opts := []object.Option{object.WithSourceURL(rawURL)}
		if len(r.desc.Parents) > 0 && r.desc.ParentExtractor != nil {
			if parent := r.desc.ExtractParentFromURL(rawURL); parent != "" {
				opts = append(opts, object.WithParentID(parent))
			} else if r.desc.RequiresParentForURL() {
				continue
			}
		}
		v, err := object.New(d.reg, r.desc.ID, id, baseURL, opts...)
		if err != nil {
			continue
		}
		return v
	}
	return nil
}

// fromDrillPath handles a card details page showing a drill breadcrumb.
func (d *Detector) fromDrillPath(rawURL, baseURL string, state *PageState) *object.Value {
	view, root, ok := state.drillView()
	if !ok {
		return nil
	}
	card, _ := d.reg.Lookup("CARD")
	if card.ExtractIDFromURL(rawURL) == "" {
		return nil
	}
	v, err := object.New(d.reg, "DRILL_VIEW", view, baseURL,
		object.WithSourceURL(rawURL), object.WithParentID(root))
	if err != nil {
		return nil
	}
	return v
}
