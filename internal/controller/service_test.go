package controller

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dgnsrekt/domo_companion/internal/actions"
	"github.com/dgnsrekt/domo_companion/internal/clipboard"
	"github.com/dgnsrekt/domo_companion/internal/detect"
	"github.com/dgnsrekt/domo_companion/internal/events"
	"github.com/dgnsrekt/domo_companion/internal/favicon"
	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/object"
	"github.com/dgnsrekt/domo_companion/internal/objecttype"
	"github.com/dgnsrekt/domo_companion/internal/store"
	"github.com/dgnsrekt/domo_companion/internal/tabcontext"
)

type fakeTabs struct {
	mu        sync.Mutex
	tabs      []inpage.Tab
	responses map[string]string
	calls     []string
}

func (f *fakeTabs) ListTabs(context.Context) ([]inpage.Tab, error) {
	return f.tabs, nil
}

func (f *fakeTabs) ForTab(tabID string) inpage.Fetcher {
	return inpage.FetcherFunc(func(_ context.Context, req inpage.Request) (inpage.Response, error) {
		key := req.Method + " " + req.Path
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, tabID+" "+key)
		body, ok := f.responses[key]
		if !ok {
			return inpage.Response{Status: 404}, &inpage.CodedError{Code: inpage.CodeHTTPStatus, Message: key, Status: 404}
		}
		return inpage.Response{Status: 200, Body: json.RawMessage(body)}, nil
	})
}

func (f *fakeTabs) PageFragments(context.Context, string) (inpage.PageFragments, error) {
	return inpage.PageFragments{}, errors.New("no dom")
}

func (f *fakeTabs) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type memClipboard struct {
	mu   sync.Mutex
	text string
}

func (c *memClipboard) ReadAll() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, nil
}

func (c *memClipboard) WriteAll(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
	return nil
}

type fixture struct {
	svc   *Service
	tabs  *fakeTabs
	cache *tabcontext.Cache
	st    *store.Store
}

func newFixture(t *testing.T, tabs *fakeTabs) fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "companion.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	det := detect.New(objecttype.Default(), detect.DefaultHostSuffix, detect.DefaultExcludedHosts)
	broker := events.NewBroker()
	cache := tabcontext.New(det, tabs, tabcontext.Options{Store: st, Broker: broker})
	t.Cleanup(func() {
		cache.Close()
		st.Close()
	})
	svc := NewService(Deps{
		Detector:  det,
		Tabs:      tabs,
		Cache:     cache,
		Clipboard: clipboard.NewObserver(&memClipboard{}, st, broker, 0),
		Favicons:  favicon.NewEngine(st, nil, detect.DefaultHostSuffix, detect.DefaultExcludedHosts),
		Store:     st,
	})
	return fixture{svc: svc, tabs: tabs, cache: cache, st: st}
}

func codeOf(err error) string {
	var coded *inpage.CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

func TestRequireNonEmpty(t *testing.T) {
	s := &Service{}
	if err := s.requireNonEmpty("T1", "tab_id"); err != nil {
		t.Fatalf("requireNonEmpty() = %v; want nil", err)
	}

	err := s.requireNonEmpty("   ", "tab_id")
	var got *inpage.CodedError
	if !errors.As(err, &got) {
		t.Fatalf("requireNonEmpty() = %T; want *inpage.CodedError", err)
	}
	if got.Code != inpage.CodeValidation {
		t.Fatalf("requireNonEmpty() code = %q; want %q", got.Code, inpage.CodeValidation)
	}
	if got.Message != "tab_id is required" {
		t.Fatalf("requireNonEmpty() message = %q; want %q", got.Message, "tab_id is required")
	}
}

func TestDetectURL(t *testing.T) {
	fx := newFixture(t, &fakeTabs{})
	ctx := context.Background()

	got, err := fx.svc.DetectURL(ctx, "https://acme.domo.com/kpis/details/948271")
	if err != nil || got == nil {
		t.Fatalf("DetectURL() = %v, %v; want card", got, err)
	}
	if got.TypeID != "CARD" || got.ID != "948271" || got.BaseURL != "https://acme.domo.com" {
		t.Fatalf("DetectURL() = %+v", got)
	}

	none, err := fx.svc.DetectURL(ctx, "https://example.com/kpis/details/948271")
	if err != nil || none != nil {
		t.Fatalf("DetectURL(off host) = %+v, %v; want nil", none, err)
	}
	if _, err := fx.svc.DetectURL(ctx, " "); codeOf(err) != inpage.CodeValidation {
		t.Fatalf("DetectURL(blank) error = %v; want validation", err)
	}
}

func TestDetectIDUsesFirstTenantTab(t *testing.T) {
	tabs := &fakeTabs{
		tabs: []inpage.Tab{
			{ID: "T0", URL: "https://news.example.com/"},
			{ID: "T1", URL: "https://acme.domo.com/page/5"},
		},
		responses: map[string]string{
			"PUT /content/v3/cards/kpi/definition": `{"definition":{"title":"Revenue"}}`,
		},
	}
	fx := newFixture(t, tabs)

	got, err := fx.svc.DetectID(context.Background(), "", " 948271 ")
	if err != nil {
		t.Fatalf("DetectID() error = %v", err)
	}
	if got.TypeID != "CARD" || got.BaseURL != "https://acme.domo.com" || got.Metadata == nil || got.Metadata.Name != "Revenue" {
		t.Fatalf("DetectID() = %+v", got)
	}
	if diff := cmp.Diff([]string{"T1 PUT /content/v3/cards/kpi/definition"}, tabs.callLog()); diff != "" {
		t.Fatalf("fetches mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectIDWithoutTenantTab(t *testing.T) {
	fx := newFixture(t, &fakeTabs{tabs: []inpage.Tab{{ID: "T0", URL: "https://www.domo.com/"}}})
	_, err := fx.svc.DetectID(context.Background(), "", "948271")
	if codeOf(err) != inpage.CodeNotOnHost {
		t.Fatalf("DetectID() error = %v; want %s", err, inpage.CodeNotOnHost)
	}
	if _, err := fx.svc.DetectID(context.Background(), "missing", "948271"); !errors.Is(err, tabcontext.ErrNoContext) {
		t.Fatalf("DetectID(unknown tab) error = %v; want ErrNoContext", err)
	}
}

func TestObjectMustMatchTabTenant(t *testing.T) {
	fx := newFixture(t, &fakeTabs{})
	fx.cache.OnTabUpdated("T1", "https://beta.domo.com/")
	fx.cache.Wait()

	obj := object.Serialized{ID: "948271", TypeID: "CARD", BaseURL: "https://acme.domo.com"}
	_, err := fx.svc.EnrichObject(context.Background(), "T1", obj)
	if codeOf(err) != inpage.CodeValidation {
		t.Fatalf("EnrichObject() error = %v; want validation", err)
	}
	_, err = fx.svc.GetParent(context.Background(), "T1", object.Serialized{ID: "1", TypeID: "NOPE", BaseURL: "https://beta.domo.com"})
	if !errors.Is(err, objecttype.ErrUnknownType) {
		t.Fatalf("GetParent(unknown type) error = %v; want ErrUnknownType", err)
	}
}

func TestTabObjectActions(t *testing.T) {
	tabs := &fakeTabs{responses: map[string]string{
		"GET /content/v1/pages/100/children": `[{"id":101,"title":"Child"}]`,
	}}
	fx := newFixture(t, tabs)
	ctx := context.Background()

	if _, err := fx.svc.ListChildPages(ctx, "T1"); !errors.Is(err, tabcontext.ErrNoContext) {
		t.Fatalf("ListChildPages(unknown) error = %v; want ErrNoContext", err)
	}
	fx.cache.OnTabUpdated("T2", "https://acme.domo.com/")
	fx.cache.Wait()
	if _, err := fx.svc.ListChildPages(ctx, "T2"); !errors.Is(err, ErrNoObject) {
		t.Fatalf("ListChildPages(no object) error = %v; want ErrNoObject", err)
	}

	fx.cache.OnTabUpdated("T1", "https://acme.domo.com/page/100")
	fx.cache.Wait()
	items, err := fx.svc.ListChildPages(ctx, "T1")
	if err != nil {
		t.Fatalf("ListChildPages() error = %v", err)
	}
	if diff := cmp.Diff([]actions.Item{{ID: "101", Name: "Child", Type: "PAGE"}}, items); diff != "" {
		t.Fatalf("ListChildPages() mismatch (-want +got):\n%s", diff)
	}

	if _, err := fx.svc.WaitTabField(ctx, "T1", "owners", 0); !errors.Is(err, tabcontext.ErrUnknownField) {
		t.Fatalf("WaitTabField(owners) error = %v; want ErrUnknownField", err)
	}
	got, err := fx.svc.WaitTabField(ctx, "T1", "childPages", 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("WaitTabField() = %v, %v; want one child", got, err)
	}
}

func TestOpenActivityLogUsesDetectedTenant(t *testing.T) {
	fx := newFixture(t, &fakeTabs{})
	ctx := context.Background()
	if err := actions.SaveActivityLogConfig(ctx, fx.st, "eu.acme", actions.ActivityLogConfig{ObjectTypeColumn: "Kind"}); err != nil {
		t.Fatalf("SaveActivityLogConfig() error = %v", err)
	}

	obj := object.Serialized{ID: "100", TypeID: "PAGE", BaseURL: "https://eu.acme.domo.com"}
	h, err := fx.svc.OpenActivityLog(ctx, "", &obj)
	if err != nil {
		t.Fatalf("OpenActivityLog() error = %v", err)
	}
	if h.Tenant != "eu.acme" || h.URL != "https://eu.acme.domo.com/admin/logging?Kind=PAGE&objectId=100" {
		t.Fatalf("OpenActivityLog() = %+v; want eu.acme mapping", h)
	}

	off := object.Serialized{ID: "100", TypeID: "PAGE", BaseURL: "https://example.com"}
	if _, err := fx.svc.OpenActivityLog(ctx, "", &off); !errors.Is(err, actions.ErrNoTenant) {
		t.Fatalf("OpenActivityLog(off host) error = %v; want ErrNoTenant", err)
	}
}

func TestClipboardCopyAndResolve(t *testing.T) {
	fx := newFixture(t, &fakeTabs{tabs: []inpage.Tab{{ID: "T1", URL: "https://acme.domo.com/"}}})
	ctx := context.Background()

	obj := object.Serialized{ID: "948271", TypeID: "CARD", BaseURL: "https://acme.domo.com"}
	u, err := fx.svc.CopyToClipboard(ctx, &obj, "")
	if err != nil {
		t.Fatalf("CopyToClipboard() error = %v", err)
	}
	if u.Value != "948271" || u.Source == nil {
		t.Fatalf("CopyToClipboard() = %+v; want value with source", u)
	}
	resolved, err := fx.svc.ResolveClipboard(ctx, "")
	if err != nil || resolved.TypeID != "CARD" || resolved.ID != "948271" {
		t.Fatalf("ResolveClipboard() = %+v, %v", resolved, err)
	}
	if calls := fx.tabs.callLog(); len(calls) != 0 {
		t.Fatalf("ResolveClipboard() fetched %v; want source reused", calls)
	}

	raw, err := fx.svc.GetSetting(ctx, store.KeyLastClipboardValue)
	if err != nil || string(raw) != `"948271"` {
		t.Fatalf("GetSetting(lastClipboardValue) = %s, %v", raw, err)
	}

	if _, err := fx.svc.CopyToClipboard(ctx, nil, "not an id"); err != nil {
		t.Fatalf("CopyToClipboard(text) error = %v", err)
	}
	if _, err := fx.svc.ResolveClipboard(ctx, ""); !errors.Is(err, detect.ErrInvalidID) {
		t.Fatalf("ResolveClipboard(text) error = %v; want ErrInvalidID", err)
	}
	if _, err := fx.svc.CopyToClipboard(ctx, nil, " "); codeOf(err) != inpage.CodeValidation {
		t.Fatalf("CopyToClipboard(blank) error = %v; want validation", err)
	}
}

func TestSettings(t *testing.T) {
	fx := newFixture(t, &fakeTabs{})
	ctx := context.Background()

	if _, err := fx.svc.GetSetting(ctx, "password"); !errors.Is(err, ErrUnknownSetting) {
		t.Fatalf("GetSetting(unknown) error = %v; want ErrUnknownSetting", err)
	}
	if err := fx.svc.PutSetting(ctx, store.KeyVisitedDomoInstances, json.RawMessage(`["x"]`)); codeOf(err) != inpage.CodeValidation {
		t.Fatalf("PutSetting(read-only) error = %v; want validation", err)
	}
	if _, err := fx.svc.GetSetting(ctx, store.KeyThemePreference); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetSetting(unset) error = %v; want ErrNotFound", err)
	}

	if err := fx.svc.PutSetting(ctx, store.KeyThemePreference, json.RawMessage(`"dark"`)); err != nil {
		t.Fatalf("PutSetting(theme) error = %v", err)
	}
	if raw, err := fx.svc.GetSetting(ctx, store.KeyThemePreference); err != nil || string(raw) != `"dark"` {
		t.Fatalf("GetSetting(theme) = %s, %v", raw, err)
	}
	if err := fx.svc.PutSetting(ctx, store.KeyDefaultDomoInstance, json.RawMessage(`" ACME "`)); err != nil {
		t.Fatalf("PutSetting(default instance) error = %v", err)
	}
	if raw, _ := fx.svc.GetSetting(ctx, store.KeyDefaultDomoInstance); string(raw) != `"acme"` {
		t.Fatalf("GetSetting(default instance) = %s; want \"acme\"", raw)
	}
	if raw, err := fx.svc.GetSetting(ctx, store.KeyVisitedDomoInstances); err != nil || string(raw) != `[]` {
		t.Fatalf("GetSetting(visited) = %s, %v; want []", raw, err)
	}

	if err := fx.svc.PutSetting(ctx, store.KeyFaviconRules, json.RawMessage(`[{"pattern":".*","effect":"glow"}]`)); codeOf(err) != inpage.CodeValidation {
		t.Fatalf("PutSetting(bad rules) error = %v; want validation", err)
	}
	if err := fx.st.Set(ctx, store.Local, "favicon_acme_top_#ff0000", []byte("png")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	rules := `[{"pattern":"^acme$","effect":"top","color":"#ff0000"}]`
	if err := fx.svc.PutSetting(ctx, store.KeyFaviconRules, json.RawMessage(rules)); err != nil {
		t.Fatalf("PutSetting(rules) error = %v", err)
	}
	if keys, _ := fx.st.Keys(ctx, store.Local, store.PrefixFavicon); len(keys) != 0 {
		t.Fatalf("favicon cache after rules save = %v; want empty", keys)
	}
	raw, err := fx.svc.GetSetting(ctx, store.KeyFaviconRules)
	if err != nil || string(raw) != rules {
		t.Fatalf("GetSetting(rules) = %s, %v; want %s", raw, err, rules)
	}

	if err := fx.svc.PutSetting(ctx, store.KeySidepanelDataList, json.RawMessage(`{"title":"x"}`)); codeOf(err) != inpage.CodeValidation {
		t.Fatalf("PutSetting(handoff without type) error = %v; want validation", err)
	}
	if err := fx.svc.PutSetting(ctx, store.KeyThemePreference, json.RawMessage(`{bad`)); codeOf(err) != inpage.CodeValidation {
		t.Fatalf("PutSetting(invalid json) error = %v; want validation", err)
	}
}
