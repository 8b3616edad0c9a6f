package tabcontext

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/dgnsrekt/domo_companion/internal/actions"
	"github.com/dgnsrekt/domo_companion/internal/detect"
	"github.com/dgnsrekt/domo_companion/internal/events"
	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/objecttype"
	"github.com/dgnsrekt/domo_companion/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const dsID = "0b5c3a5e-4a0f-4b8e-9e4b-2f1f8a6b7c9d"

// fakeTabs answers fetches from a fixed table. A gated key blocks until its
// channel is closed, regardless of context, so late results can be
// observed. Keys gated with gateCtx also give up when the fetch context
// ends. Fetches from a tab marked off-host fail.
type fakeTabs struct {
	mu        sync.Mutex
	responses map[string]string
	gates     map[string]chan struct{}
	ctxGates  map[string]bool
	offHost   map[string]bool
	frags     inpage.PageFragments
	calls     map[string]int
}

func newFakeTabs(responses map[string]string) *fakeTabs {
	return &fakeTabs{
		responses: responses,
		gates:     map[string]chan struct{}{},
		ctxGates:  map[string]bool{},
		offHost:   map[string]bool{},
		calls:     map[string]int{},
	}
}

func (f *fakeTabs) gate(key string) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[key] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeTabs) gateCtx(key string) chan struct{} {
	ch := f.gate(key)
	f.mu.Lock()
	f.ctxGates[key] = true
	f.mu.Unlock()
	return ch
}

func (f *fakeTabs) setOffHost(tabID string) {
	f.mu.Lock()
	f.offHost[tabID] = true
	f.mu.Unlock()
}

func (f *fakeTabs) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeTabs) ForTab(tabID string) inpage.Fetcher {
	return inpage.FetcherFunc(func(ctx context.Context, req inpage.Request) (inpage.Response, error) {
		key := req.Method + " " + req.Path
		f.mu.Lock()
		f.calls[key]++
		gate := f.gates[key]
		withCtx := f.ctxGates[key]
		body, ok := f.responses[key]
		f.mu.Unlock()
		if gate != nil {
			if withCtx {
				select {
				case <-gate:
				case <-ctx.Done():
					return inpage.Response{}, ctx.Err()
				}
			} else {
				<-gate
			}
		}
		f.mu.Lock()
		off := f.offHost[tabID]
		f.mu.Unlock()
		if off {
			return inpage.Response{}, &inpage.CodedError{Code: inpage.CodeNotOnHost, Message: "tab left the host"}
		}
		if !ok {
			return inpage.Response{Status: 404}, &inpage.CodedError{Code: inpage.CodeHTTPStatus, Message: key, Status: 404}
		}
		return inpage.Response{Status: 200, Body: json.RawMessage(body)}, nil
	})
}

func (f *fakeTabs) PageFragments(context.Context, string) (inpage.PageFragments, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frags, nil
}

func pageResponses(id, title string) map[string]string {
	return map[string]string{
		"GET /content/v1/pages/" + id:                               `{"id":` + id + `,"title":"` + title + `"}`,
		"GET /content/v1/pages/" + id + "/children":                 `[]`,
		"GET /content/v3/stacks/" + id + "/cards?parts=datasources": `{"cards":[{"id":1,"title":"Revenue ` + title + `"}]}`,
	}
}

func merge(ms ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range ms {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func newCache(t *testing.T, tabs Tabs, opts Options) *Cache {
	t.Helper()
	det := detect.New(objecttype.Default(), detect.DefaultHostSuffix, detect.DefaultExcludedHosts)
	c := New(det, tabs, opts)
	t.Cleanup(c.Close)
	return c
}

func TestOffHostTab(t *testing.T) {
	c := newCache(t, newFakeTabs(nil), Options{})
	tc := c.OnTabUpdated("T1", "https://example.com/page/1")
	c.Wait()

	if tc.IsDomoPage || tc.ObjectValue != nil {
		t.Fatalf("OnTabUpdated() = %+v; want non-Domo page without object", tc)
	}
	got, ok := c.Get("T1")
	if !ok || got.IsDomoPage {
		t.Fatalf("Get() = %+v, %v; want stored non-Domo context", got, ok)
	}
}

func TestAuthPageHasNoObject(t *testing.T) {
	c := newCache(t, newFakeTabs(nil), Options{})
	tc := c.OnTabUpdated("T1", "https://acme.domo.com/auth/index?redirectUrl=%2Fpage%2F5")
	c.Wait()
	if !tc.IsDomoPage || tc.Tenant != "acme" || tc.ObjectValue != nil {
		t.Fatalf("OnTabUpdated() = %+v; want Domo page without object", tc)
	}
}

func TestCardContextIsEnrichedWithParent(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer st.Close()
	broker := events.NewBroker()
	_, evts := broker.Subscribe()

	tabs := newFakeTabs(map[string]string{
		"PUT /content/v3/cards/kpi/definition":                        `{"definition":{"title":"Revenue"}}`,
		"GET /content/v1/cards?urns=948271&parts=datasources":         `[{"id":948271,"datasources":[{"dataSourceId":"` + dsID + `"}]}]`,
		"GET /data/v3/datasources/" + dsID + "?includeAllDetails=true": `{"name":"Sales"}`,
	})
	c := newCache(t, tabs, Options{Store: st, Broker: broker})

	first := c.OnTabUpdated("T1", "https://acme.domo.com/kpis/details/948271")
	if first.ObjectValue == nil || first.ObjectValue.TypeID != "CARD" || first.ObjectValue.ID != "948271" {
		t.Fatalf("immediate context = %+v; want CARD 948271", first.ObjectValue)
	}
	c.Wait()

	got, ok := c.Get("T1")
	if !ok {
		t.Fatal("Get() missing context")
	}
	ov := got.ObjectValue
	if ov.Metadata == nil || ov.Metadata.Name != "Revenue" {
		t.Fatalf("metadata = %+v; want name Revenue", ov.Metadata)
	}
	if ov.ParentID != dsID || ov.Metadata.Parent == nil || ov.Metadata.Parent.Name != "Sales" {
		t.Fatalf("parent = %q %+v; want dataset Sales", ov.ParentID, ov.Metadata.Parent)
	}
	if got.ChildPages != nil || got.Cards != nil {
		t.Fatalf("card context lists = %v / %v; want not queried", got.ChildPages, got.Cards)
	}
	if ov.URL != "https://acme.domo.com/kpis/details/948271" || got.Tenant != "acme" {
		t.Fatalf("url/tenant = %q / %q", ov.URL, got.Tenant)
	}

	visited, _ := st.VisitedInstances(context.Background())
	if diff := cmp.Diff([]string{"acme"}, visited); diff != "" {
		t.Fatalf("visited mismatch (-want +got):\n%s", diff)
	}
	if len(evts) == 0 {
		t.Fatal("no context events published")
	}
	if evt := <-evts; evt.Kind != events.ContextUpdated {
		t.Fatalf("event kind = %q; want %q", evt.Kind, events.ContextUpdated)
	}
}

func TestSharedParentLookupSurvivesLeaderNavigation(t *testing.T) {
	const lookup = "GET /content/v1/cards?urns=948271&parts=datasources"
	responses := map[string]string{
		"PUT /content/v3/cards/kpi/definition":                        `{"definition":{"title":"Revenue"}}`,
		lookup:                                                         `[{"id":948271,"datasources":[{"dataSourceId":"` + dsID + `"}]}]`,
		"GET /data/v3/datasources/" + dsID + "?includeAllDetails=true": `{"name":"Sales"}`,
	}
	const cardURL = "https://acme.domo.com/kpis/details/948271"

	tests := []struct {
		name          string
		leaderOffHost bool
		wantLookups   int
	}{
		{name: "leader navigates away", wantLookups: 1},
		{name: "leader fetcher fails", leaderOffHost: true, wantLookups: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tabs := newFakeTabs(responses)
			gate := tabs.gateCtx(lookup)
			c := newCache(t, tabs, Options{})

			c.OnTabUpdated("T1", cardURL)
			waitUntil(t, func() bool { return tabs.callCount(lookup) == 1 })
			c.OnTabUpdated("T2", cardURL)
			waitUntil(t, func() bool {
				tc, _ := c.Get("T2")
				return tc.ObjectValue != nil && tc.ObjectValue.Metadata != nil
			})
			// Let T2 join the lookup that T1 started.
			time.Sleep(50 * time.Millisecond)

			if tt.leaderOffHost {
				tabs.setOffHost("T1")
			}
			c.OnTabUpdated("T1", "https://example.com/")
			time.Sleep(20 * time.Millisecond)
			close(gate)
			c.Wait()

			got, _ := c.Get("T2")
			if got.ObjectValue == nil || got.ObjectValue.ParentID != dsID {
				t.Fatalf("T2 ObjectValue = %+v; want parent %s", got.ObjectValue, dsID)
			}
			if msg, ok := got.Errors["parent"]; ok {
				t.Fatalf("T2 parent error = %q; want none", msg)
			}
			if n := tabs.callCount(lookup); n != tt.wantLookups {
				t.Fatalf("lookups = %d; want %d", n, tt.wantLookups)
			}
			if t1, _ := c.Get("T1"); t1.IsDomoPage {
				t.Fatalf("T1 = %+v; want off-host context", t1)
			}
		})
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestLaterNavigationWins(t *testing.T) {
	tabs := newFakeTabs(merge(pageResponses("100", "One"), pageResponses("200", "Two")))
	gate := tabs.gate("GET /content/v1/pages/100")
	c := newCache(t, tabs, Options{})

	var mu sync.Mutex
	var published []TabContext
	unsubscribe := c.Subscribe(func(tc TabContext) {
		mu.Lock()
		published = append(published, tc)
		mu.Unlock()
	})
	defer unsubscribe()

	c.OnTabUpdated("T1", "https://acme.domo.com/page/100")
	second := c.OnTabUpdated("T1", "https://acme.domo.com/page/200")

	cards, err := c.AwaitField(context.Background(), "T1", FieldCards, 2*time.Second)
	if err != nil {
		t.Fatalf("AwaitField() error = %v", err)
	}
	if diff := cmp.Diff([]actions.Item{{ID: "1", Name: "Revenue Two", Type: "CARD"}}, cards); diff != "" {
		t.Fatalf("cards mismatch (-want +got):\n%s", diff)
	}

	close(gate)
	c.Wait()

	got, _ := c.Get("T1")
	if got.Epoch != second.Epoch {
		t.Fatalf("Epoch = %d; want %d", got.Epoch, second.Epoch)
	}
	if got.ObjectValue.ID != "200" || got.ObjectValue.Metadata == nil || got.ObjectValue.Metadata.Name != "Two" {
		t.Fatalf("ObjectValue = %+v; want enriched page 200", got.ObjectValue)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, tc := range published {
		if tc.ObjectValue != nil && tc.ObjectValue.ID == "100" && tc.ObjectValue.Metadata != nil {
			t.Fatalf("stale enrichment for page 100 was published: %+v", tc)
		}
	}
}

func TestWaitForField(t *testing.T) {
	t.Run("populated before cap", func(t *testing.T) {
		tabs := newFakeTabs(pageResponses("100", "One"))
		gate := tabs.gate("GET /content/v1/pages/100/children")
		c := newCache(t, tabs, Options{WaitAttempts: 50, WaitInterval: 10 * time.Millisecond})

		c.OnTabUpdated("T1", "https://acme.domo.com/page/100")
		if tc, _ := c.Get("T1"); tc.ChildPages != nil {
			t.Fatalf("ChildPages = %v; want nil before fetch", tc.ChildPages)
		}
		time.AfterFunc(30*time.Millisecond, func() { close(gate) })

		start := time.Now()
		items, err := c.WaitForField(context.Background(), "T1", FieldChildPages)
		if err != nil {
			t.Fatalf("WaitForField() error = %v", err)
		}
		if items == nil || len(items) != 0 {
			t.Fatalf("WaitForField() = %#v; want empty non-nil", items)
		}
		if elapsed := time.Since(start); elapsed > 50*10*time.Millisecond {
			t.Fatalf("WaitForField() took %v; want under the attempt cap", elapsed)
		}
		c.Wait()
	})

	t.Run("times out", func(t *testing.T) {
		tabs := newFakeTabs(pageResponses("100", "One"))
		gate := tabs.gate("GET /content/v3/stacks/100/cards?parts=datasources")
		c := newCache(t, tabs, Options{WaitAttempts: 5, WaitInterval: 5 * time.Millisecond})
		defer func() {
			close(gate)
			c.Wait()
		}()

		c.OnTabUpdated("T1", "https://acme.domo.com/page/100")
		if _, err := c.WaitForField(context.Background(), "T1", FieldCards); !errors.Is(err, ErrTimeout) {
			t.Fatalf("WaitForField() error = %v; want ErrTimeout", err)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		c := newCache(t, newFakeTabs(nil), Options{})
		if _, err := c.WaitForField(context.Background(), "T1", Field("datasets")); !errors.Is(err, ErrUnknownField) {
			t.Fatalf("WaitForField() error = %v; want ErrUnknownField", err)
		}
	})
}

func TestAwaitFieldTimesOut(t *testing.T) {
	c := newCache(t, newFakeTabs(nil), Options{})
	if _, err := c.AwaitField(context.Background(), "missing", FieldCards, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("AwaitField() error = %v; want ErrTimeout", err)
	}
}

func TestFailedListCompletesField(t *testing.T) {
	responses := pageResponses("100", "One")
	delete(responses, "GET /content/v3/stacks/100/cards?parts=datasources")
	c := newCache(t, newFakeTabs(responses), Options{})

	c.OnTabUpdated("T1", "https://acme.domo.com/page/100")
	c.Wait()

	got, _ := c.Get("T1")
	if got.Cards == nil || len(got.Cards) != 0 {
		t.Fatalf("Cards = %#v; want empty non-nil", got.Cards)
	}
	if got.Errors["cards"] == "" {
		t.Fatalf("Errors = %v; want cards error", got.Errors)
	}
	if _, ok := got.Errors["parent"]; ok {
		t.Fatalf("Errors = %v; top-level page should not report a parent error", got.Errors)
	}
}

func TestProbeDOMRefinesToModalCard(t *testing.T) {
	tabs := newFakeTabs(merge(pageResponses("100", "One"), map[string]string{
		"PUT /content/v3/cards/kpi/definition": `{"definition":{"title":"Revenue"}}`,
	}))
	tabs.frags = inpage.PageFragments{Modal: `<div role="dialog"><div data-card-id="948271"></div></div>`}
	c := newCache(t, tabs, Options{ProbeDOM: true})

	c.OnTabUpdated("T1", "https://acme.domo.com/page/100")
	c.Wait()

	got, _ := c.Get("T1")
	if got.ObjectValue.TypeID != "CARD" || got.ObjectValue.ID != "948271" {
		t.Fatalf("ObjectValue = %+v; want modal card", got.ObjectValue)
	}
	if got.ObjectValue.OriginalURL != "https://acme.domo.com/page/100" {
		t.Fatalf("OriginalURL = %q; want page url", got.ObjectValue.OriginalURL)
	}
}

func TestRemoveAndRefresh(t *testing.T) {
	broker := events.NewBroker()
	_, evts := broker.Subscribe()
	c := newCache(t, newFakeTabs(nil), Options{Broker: broker})

	c.OnTabUpdated("T1", "https://example.com/")
	c.OnTabUpdated("T2", "https://example.org/")
	if got := len(c.List()); got != 2 {
		t.Fatalf("len(List()) = %d; want 2", got)
	}
	refreshed, err := c.Refresh("T1")
	if err != nil || refreshed.URL != "https://example.com/" {
		t.Fatalf("Refresh() = %+v, %v", refreshed, err)
	}

	c.OnTabRemoved("T1")
	c.OnTabRemoved("T1")
	if _, ok := c.Get("T1"); ok {
		t.Fatal("Get() after OnTabRemoved() still has context")
	}
	if _, err := c.Refresh("T1"); !errors.Is(err, ErrNoContext) {
		t.Fatalf("Refresh() error = %v; want ErrNoContext", err)
	}

	removed := 0
	for len(evts) > 0 {
		if evt := <-evts; evt.Kind == events.ContextRemoved {
			removed++
		}
	}
	if removed != 1 {
		t.Fatalf("removed events = %d; want 1", removed)
	}
	c.Wait()
}

type memJournal struct {
	mu      sync.Mutex
	records []any
}

func (j *memJournal) Write(r any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
	return nil
}

func TestJournalRecordsMutations(t *testing.T) {
	j := &memJournal{}
	c := newCache(t, newFakeTabs(pageResponses("100", "One")), Options{Journal: j})
	c.OnTabUpdated("T1", "https://acme.domo.com/page/100")
	c.Wait()
	c.OnTabRemoved("T1")

	j.mu.Lock()
	defer j.mu.Unlock()
	first := j.records[0].(journalRecord)
	last := j.records[len(j.records)-1].(journalRecord)
	if first.Event != "navigated" || first.TypeID != "PAGE" || first.ObjectID != "100" {
		t.Fatalf("first record = %+v", first)
	}
	if last.Event != "removed" {
		t.Fatalf("last record = %+v; want removed", last)
	}
}
