package object

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/objecttype"
)

var (
	ErrParentUnsupported  = errors.New("parent lookup not supported for type")
	ErrParentLookupFailed = errors.New("parent lookup failed")
	// ErrNoParent marks a successful lookup that found no parent, such as a
	// top-level page. It is always wrapped with ErrParentLookupFailed.
	ErrNoParent = errors.New("object has no parent")
)

// RuleKind tags the parent lookup strategy of a type.
type RuleKind int

const (
	NoParentRule RuleKind = iota
	FieldLookup
	AppStudioPage
	DrillPath
)

func (k RuleKind) String() string {
	switch k {
	case FieldLookup:
		return "field_lookup"
	case AppStudioPage:
		return "app_studio_page"
	case DrillPath:
		return "drill_path"
	default:
		return "none"
	}
}

var customRules = map[string]RuleKind{
	"DATA_APP_VIEW":  AppStudioPage,
	"WORKSHEET_VIEW": AppStudioPage,
	"DRILL_VIEW":     DrillPath,
}

// ParentRule finds the parent id of an object through the host API.
type ParentRule struct {
	Kind RuleKind
	desc objecttype.Descriptor
}

// RuleFor picks the strategy for desc: a custom rule when one exists,
// otherwise the registry's parentLookup, otherwise none.
func RuleFor(desc objecttype.Descriptor) ParentRule {
	if kind, ok := customRules[desc.ID]; ok {
		return ParentRule{Kind: kind, desc: desc}
	}
	if desc.ParentLookup != nil {
		return ParentRule{Kind: FieldLookup, desc: desc}
	}
	return ParentRule{Kind: NoParentRule, desc: desc}
}

// Lookup returns the parent id of id, or "" when the response carries none.
func (r ParentRule) Lookup(ctx context.Context, f inpage.Fetcher, id string) (string, error) {
	switch r.Kind {
	case FieldLookup:
		req, _ := r.desc.ParentRequest(id)
		resp, err := f.Fetch(ctx, toInpage(req))
		if err != nil {
			return "", err
		}
		return r.desc.ParentIDFrom(resp.Body), nil
	case AppStudioPage:
		return lookupAppForView(ctx, f, id)
	case DrillPath:
		return lookupDrillRoot(ctx, f, id)
	default:
		return "", ErrParentUnsupported
	}
}

// App Studio has no view->app endpoint, so the app list is scanned for the
// view id.
func lookupAppForView(ctx context.Context, f inpage.Fetcher, viewID string) (string, error) {
	resp, err := f.Fetch(ctx, inpage.Request{Method: "GET", Path: "/content/v1/dataapps?includeViews=true"})
	if err != nil {
		return "", err
	}
	var appID string
	gjson.ParseBytes(resp.Body).ForEach(func(_, app gjson.Result) bool {
		app.Get("views").ForEach(func(_, view gjson.Result) bool {
			if view.Get("viewId").String() == viewID {
				appID = app.Get("dataAppId").String()
				return false
			}
			return true
		})
		return appID == ""
	})
	return appID, nil
}

func lookupDrillRoot(ctx context.Context, f inpage.Fetcher, viewID string) (string, error) {
	resp, err := f.Fetch(ctx, inpage.Request{
		Method: "PUT",
		Path:   "/content/v3/cards/kpi/definition",
		Body:   fmt.Sprintf(`{"urn":%q}`, viewID),
	})
	if err != nil {
		return "", err
	}
	for _, path := range []string{"drillpathRootCardId", "definition.drillpathRootCardId", "definition.drillpath.rootCardId"} {
		if res := gjson.GetBytes(resp.Body, path); res.Exists() && res.String() != "" {
			return res.String(), nil
		}
	}
	return "", nil
}

// ResolveParent returns a copy with the parent id known. The id comes from
// the stored value, then the source URL, then the type's ParentRule. When
// the canonical parent type has an api its details are fetched too; that
// fetch failing only logs.
func (v *Value) ResolveParent(ctx context.Context, f inpage.Fetcher) (*Value, error) {
	parentID := v.parentID
	if parentID == "" && v.sourceURL != "" {
		parentID = strings.TrimSpace(v.desc.ExtractParentFromURL(v.sourceURL))
	}
	if parentID == "" {
		rule := RuleFor(v.desc)
		if rule.Kind == NoParentRule {
			return nil, fmt.Errorf("%w: %s", ErrParentUnsupported, v.desc.ID)
		}
		id, err := rule.Lookup(ctx, f, v.id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrParentLookupFailed, v.desc.ID, v.id, err)
		}
		if id == "" {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrParentLookupFailed, v.desc.ID, v.id, ErrNoParent)
		}
		parentID = id
	}

	if v.meta.Parent != nil && v.meta.Parent.ID == parentID {
		return v.WithParent(parentID, nil), nil
	}
	return v.WithParent(parentID, v.parentMetadata(ctx, f, parentID)), nil
}

func (v *Value) parentMetadata(ctx context.Context, f inpage.Fetcher, parentID string) *ParentMetadata {
	parentType := v.desc.CanonicalParent()
	if parentType == "" || v.reg == nil {
		return nil
	}
	pd, ok := v.reg.Lookup(parentType)
	if !ok {
		return nil
	}
	meta := &ParentMetadata{ID: parentID, Type: TypeRef{ID: pd.ID, DisplayName: pd.DisplayName}}
	if !pd.HasAPI() {
		return meta
	}

	req, err := pd.DetailRequest(parentID, "")
	if err != nil {
		slog.Warn("object parent details skipped", "type", v.desc.ID, "parent_type", pd.ID, "parent_id", parentID, "error", err)
		return meta
	}
	resp, err := f.Fetch(ctx, toInpage(req))
	if err != nil {
		slog.Warn("object parent details failed", "type", v.desc.ID, "parent_type", pd.ID, "parent_id", parentID, "error", err)
		return meta
	}
	meta.Name = pd.ExtractName(resp.Body)
	meta.Details = pd.ExtractDetails(resp.Body)
	return meta
}

// BuildURL returns the object URL, resolving the parent first when the
// template needs one.
func (v *Value) BuildURL(ctx context.Context, f inpage.Fetcher) (string, *Value, error) {
	if v.url != "" {
		return v.url, v, nil
	}
	if !v.desc.HasURL() {
		return "", v, objecttype.ErrNotNavigable
	}
	resolved, err := v.ResolveParent(ctx, f)
	if err != nil {
		return "", v, err
	}
	if resolved.url == "" {
		return "", resolved, objecttype.ErrParentRequired
	}
	return resolved.url, resolved, nil
}
