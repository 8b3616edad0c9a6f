// Package controller validates requests and composes detection, tab
// context, clipboard, favicon and object actions behind one surface.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgnsrekt/domo_companion/internal/actions"
	"github.com/dgnsrekt/domo_companion/internal/clipboard"
	"github.com/dgnsrekt/domo_companion/internal/detect"
	"github.com/dgnsrekt/domo_companion/internal/favicon"
	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/object"
	"github.com/dgnsrekt/domo_companion/internal/objecttype"
	"github.com/dgnsrekt/domo_companion/internal/store"
	"github.com/dgnsrekt/domo_companion/internal/tabcontext"
)

var (
	ErrNoObject       = errors.New("no object detected in tab")
	ErrUnknownSetting = errors.New("unknown setting")
)

// Tabs is the slice of the in-page executor the service needs.
type Tabs interface {
	ListTabs(ctx context.Context) ([]inpage.Tab, error)
	ForTab(tabID string) inpage.Fetcher
}

type Deps struct {
	Detector  *detect.Detector
	Tabs      Tabs
	Cache     *tabcontext.Cache
	Clipboard *clipboard.Observer
	Favicons  *favicon.Engine
	Store     *store.Store
}

type Service struct {
	reg   *objecttype.Registry
	det   *detect.Detector
	tabs  Tabs
	cache *tabcontext.Cache
	clip  *clipboard.Observer
	icons *favicon.Engine
	st    *store.Store
}

func NewService(d Deps) *Service {
	return &Service{
		reg:   d.Detector.Registry(),
		det:   d.Detector,
		tabs:  d.Tabs,
		cache: d.Cache,
		clip:  d.Clipboard,
		icons: d.Favicons,
		st:    d.Store,
	}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return validation(fieldName + " is required")
	}
	return nil
}

func validation(msg string) error {
	return &inpage.CodedError{Code: inpage.CodeValidation, Message: msg}
}

// --- Types ---

func (s *Service) ListTypes(ctx context.Context) []objecttype.Descriptor {
	return s.reg.All()
}

func (s *Service) GetType(ctx context.Context, typeID string) (objecttype.Descriptor, error) {
	if err := s.requireNonEmpty(typeID, "type_id"); err != nil {
		return objecttype.Descriptor{}, err
	}
	return s.reg.Get(strings.ToUpper(strings.TrimSpace(typeID)))
}

// --- Tabs ---

func (s *Service) ListTabContexts(ctx context.Context) []tabcontext.TabContext {
	return s.cache.List()
}

func (s *Service) GetTabContext(ctx context.Context, tabID string) (tabcontext.TabContext, error) {
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return tabcontext.TabContext{}, err
	}
	tc, ok := s.cache.Get(tabID)
	if !ok {
		return tabcontext.TabContext{}, tabcontext.ErrNoContext
	}
	return tc, nil
}

func (s *Service) RefreshTab(ctx context.Context, tabID string) (tabcontext.TabContext, error) {
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return tabcontext.TabContext{}, err
	}
	return s.cache.Refresh(tabID)
}

// WaitTabField blocks until the tab's list field is populated. A positive
// timeout waits on context changes; otherwise the bounded poll is used.
func (s *Service) WaitTabField(ctx context.Context, tabID, field string, timeout time.Duration) ([]actions.Item, error) {
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return nil, err
	}
	f, err := tabcontext.ParseField(field)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		return s.cache.AwaitField(ctx, tabID, f, timeout)
	}
	return s.cache.WaitForField(ctx, tabID, f)
}

// --- Detection ---

// DetectURL runs URL-only detection. A nil result means the URL names no
// known object.
func (s *Service) DetectURL(ctx context.Context, rawURL string) (*object.Serialized, error) {
	if err := s.requireNonEmpty(rawURL, "url"); err != nil {
		return nil, err
	}
	v := s.det.FromURL(strings.TrimSpace(rawURL), nil)
	if v == nil {
		return nil, nil
	}
	out := v.Serialize()
	return &out, nil
}

func (s *Service) DetectID(ctx context.Context, tabID, id string) (object.Serialized, error) {
	if err := s.requireNonEmpty(id, "id"); err != nil {
		return object.Serialized{}, err
	}
	tabID, baseURL, err := s.resolveTab(ctx, tabID)
	if err != nil {
		return object.Serialized{}, err
	}
	v, err := s.det.FromID(ctx, s.tabs.ForTab(tabID), strings.TrimSpace(id), baseURL)
	if err != nil {
		return object.Serialized{}, err
	}
	return v.Serialize(), nil
}

func (s *Service) GetParent(ctx context.Context, tabID string, obj object.Serialized) (object.Serialized, error) {
	v, f, err := s.objectInTab(ctx, tabID, obj)
	if err != nil {
		return object.Serialized{}, err
	}
	out, err := v.ResolveParent(ctx, f)
	if err != nil {
		return object.Serialized{}, err
	}
	return out.Serialize(), nil
}

func (s *Service) EnrichObject(ctx context.Context, tabID string, obj object.Serialized) (object.Serialized, error) {
	v, f, err := s.objectInTab(ctx, tabID, obj)
	if err != nil {
		return object.Serialized{}, err
	}
	out, err := detect.Enrich(ctx, f, v)
	if err != nil {
		return object.Serialized{}, err
	}
	return out.Serialize(), nil
}

// ObjectURL builds the object's URL, looking the parent up when the
// template needs one.
func (s *Service) ObjectURL(ctx context.Context, tabID string, obj object.Serialized) (string, object.Serialized, error) {
	v, err := s.deserialize(obj)
	if err != nil {
		return "", object.Serialized{}, err
	}
	if u := v.URL(); u != "" {
		return u, v.Serialize(), nil
	}
	_, f, err := s.objectInTab(ctx, tabID, obj)
	if err != nil {
		return "", object.Serialized{}, err
	}
	u, resolved, err := v.BuildURL(ctx, f)
	if err != nil {
		return "", object.Serialized{}, err
	}
	return u, resolved.Serialize(), nil
}

// --- Clipboard ---

func (s *Service) GetClipboard(ctx context.Context) (clipboard.Update, error) {
	return s.clip.Last(ctx)
}

// CopyToClipboard copies obj's id, or text when obj is nil.
func (s *Service) CopyToClipboard(ctx context.Context, obj *object.Serialized, text string) (clipboard.Update, error) {
	if obj != nil {
		v, err := s.deserialize(*obj)
		if err != nil {
			return clipboard.Update{}, err
		}
		return s.clip.Copy(ctx, v)
	}
	if err := s.requireNonEmpty(text, "text"); err != nil {
		return clipboard.Update{}, err
	}
	return s.clip.CopyText(ctx, text)
}

// ResolveClipboard turns the last clipboard value into an object on the
// tab's tenant.
func (s *Service) ResolveClipboard(ctx context.Context, tabID string) (object.Serialized, error) {
	u, err := s.clip.Last(ctx)
	if err != nil {
		return object.Serialized{}, err
	}
	if u.Source != nil {
		v, err := s.deserialize(*u.Source)
		if err != nil {
			return object.Serialized{}, err
		}
		return v.Serialize(), nil
	}
	tabID, baseURL, err := s.resolveTab(ctx, tabID)
	if err != nil {
		return object.Serialized{}, err
	}
	v, err := clipboard.Resolve(ctx, s.det, s.tabs.ForTab(tabID), u, baseURL)
	if err != nil {
		return object.Serialized{}, err
	}
	return v.Serialize(), nil
}

// --- Favicon ---

func (s *Service) FaviconRules(ctx context.Context) ([]favicon.Rule, error) {
	return s.icons.Rules(ctx)
}

func (s *Service) SaveFaviconRules(ctx context.Context, rules []favicon.Rule) error {
	if err := favicon.ValidateRules(rules); err != nil {
		return validation(err.Error())
	}
	return s.icons.SaveRules(ctx, rules)
}

func (s *Service) ClearFaviconCache(ctx context.Context) (int, error) {
	return s.icons.ClearCache(ctx)
}

func (s *Service) MatchFavicon(ctx context.Context, rawURL string) (favicon.Decision, error) {
	if err := s.requireNonEmpty(rawURL, "url"); err != nil {
		return favicon.Decision{}, err
	}
	return s.icons.MatchURL(ctx, strings.TrimSpace(rawURL))
}

func (s *Service) ApplyFavicon(ctx context.Context, tabID string) (favicon.Applied, error) {
	tc, err := s.GetTabContext(ctx, tabID)
	if err != nil {
		return favicon.Applied{}, err
	}
	return s.icons.Apply(ctx, tabID, tc.URL)
}

// --- Object actions ---

func (s *Service) ListChildPages(ctx context.Context, tabID string) ([]actions.Item, error) {
	v, f, err := s.tabObject(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return actions.ListChildPages(ctx, f, v)
}

func (s *Service) ListCards(ctx context.Context, tabID string) ([]actions.Item, error) {
	v, f, err := s.tabObject(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return actions.ListCards(ctx, f, v)
}

func (s *Service) ListDatasets(ctx context.Context, tabID string) ([]actions.Item, error) {
	v, f, err := s.tabObject(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return actions.ListDatasets(ctx, f, v)
}

func (s *Service) DeletePageAndCards(ctx context.Context, tabID, pageID string) ([]actions.Result, error) {
	if err := s.requireNonEmpty(pageID, "page_id"); err != nil {
		return nil, err
	}
	tabID, _, err := s.resolveTab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	return actions.DeletePageAndCards(ctx, s.tabs.ForTab(tabID), s.reg, strings.TrimSpace(pageID))
}

func (s *Service) UpdateOwner(ctx context.Context, tabID string, obj object.Serialized, userID string) error {
	if err := s.requireNonEmpty(userID, "user_id"); err != nil {
		return err
	}
	v, f, err := s.objectInTab(ctx, tabID, obj)
	if err != nil {
		return err
	}
	return actions.UpdateOwner(ctx, f, s.reg, v, strings.TrimSpace(userID))
}

// OpenActivityLog builds the activity-log link for obj, or for the tab's
// object when obj is nil, and stores the handoff.
func (s *Service) OpenActivityLog(ctx context.Context, tabID string, obj *object.Serialized) (actions.ActivityLogHandoff, error) {
	var (
		v   *object.Value
		err error
	)
	if obj != nil {
		v, err = s.deserialize(*obj)
	} else {
		v, _, err = s.tabObject(ctx, tabID)
	}
	if err != nil {
		return actions.ActivityLogHandoff{}, err
	}
	tenant, _, _ := s.det.Tenant(v.BaseURL())
	return actions.OpenActivityLog(ctx, s.st, tenant, v)
}

func (s *Service) Handoff(ctx context.Context, p actions.SidepanelPayload) error {
	if err := s.requireNonEmpty(p.Type, "type"); err != nil {
		return err
	}
	return actions.Handoff(ctx, s.st, p)
}

// --- helpers ---

func (s *Service) deserialize(obj object.Serialized) (*object.Value, error) {
	if err := s.requireNonEmpty(obj.TypeID, "object.typeId"); err != nil {
		return nil, err
	}
	if err := s.requireNonEmpty(obj.ID, "object.id"); err != nil {
		return nil, err
	}
	if err := s.requireNonEmpty(obj.BaseURL, "object.baseUrl"); err != nil {
		return nil, err
	}
	return object.Deserialize(s.reg, obj)
}

// resolveTab picks tabID, or the first tenant tab when it is empty, and
// returns it with the tenant base URL.
func (s *Service) resolveTab(ctx context.Context, tabID string) (string, string, error) {
	tabID = strings.TrimSpace(tabID)
	if tabID != "" {
		tc, ok := s.cache.Get(tabID)
		if !ok {
			return "", "", tabcontext.ErrNoContext
		}
		_, base, onHost := s.det.Tenant(tc.URL)
		if !onHost {
			return "", "", &inpage.CodedError{Code: inpage.CodeNotOnHost, Message: "tab " + tabID + " is not on a tenant page"}
		}
		return tabID, base, nil
	}

	tabs, err := s.tabs.ListTabs(ctx)
	if err != nil {
		return "", "", err
	}
	for _, t := range tabs {
		if _, base, ok := s.det.Tenant(t.URL); ok {
			return t.ID, base, nil
		}
	}
	return "", "", &inpage.CodedError{Code: inpage.CodeNotOnHost, Message: "no tenant tab open"}
}

// objectInTab deserializes obj and checks the tab runs on its tenant.
func (s *Service) objectInTab(ctx context.Context, tabID string, obj object.Serialized) (*object.Value, inpage.Fetcher, error) {
	v, err := s.deserialize(obj)
	if err != nil {
		return nil, nil, err
	}
	tabID, base, err := s.resolveTab(ctx, tabID)
	if err != nil {
		return nil, nil, err
	}
	if !strings.EqualFold(strings.TrimSuffix(v.BaseURL(), "/"), base) {
		return nil, nil, validation(fmt.Sprintf("object belongs to %s but the tab is on %s", v.BaseURL(), base))
	}
	return v, s.tabs.ForTab(tabID), nil
}

func (s *Service) tabObject(ctx context.Context, tabID string) (*object.Value, inpage.Fetcher, error) {
	tc, err := s.GetTabContext(ctx, tabID)
	if err != nil {
		return nil, nil, err
	}
	if tc.ObjectValue == nil {
		return nil, nil, ErrNoObject
	}
	v, err := object.Deserialize(s.reg, *tc.ObjectValue)
	if err != nil {
		return nil, nil, err
	}
	return v, s.tabs.ForTab(tabID), nil
}

// rawJSON wraps plain text values so every setting reads back as JSON.
func rawJSON(b []byte, text bool) json.RawMessage {
	if text {
		out, _ := json.Marshal(string(b))
		return out
	}
	return json.RawMessage(b)
}
