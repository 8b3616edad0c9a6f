package clipboard

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dgnsrekt/domo_companion/internal/detect"
	"github.com/dgnsrekt/domo_companion/internal/events"
	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/object"
	"github.com/dgnsrekt/domo_companion/internal/objecttype"
	"github.com/dgnsrekt/domo_companion/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClipboard struct {
	mu   sync.Mutex
	text string
	err  error
}

func (f *fakeClipboard) ReadAll() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text, f.err
}

func (f *fakeClipboard) WriteAll(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
	return nil
}

func (f *fakeClipboard) set(text string) {
	f.mu.Lock()
	f.text = text
	f.mu.Unlock()
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPollPublishesChangesOnly(t *testing.T) {
	cb := &fakeClipboard{text: "948271"}
	st := openStore(t)
	broker := events.NewBroker()
	_, evts := broker.Subscribe()
	o := NewObserver(cb, st, broker, 0)
	ctx := context.Background()

	u, changed, err := o.Poll(ctx)
	if err != nil || !changed || u.Value != "948271" || u.Source != nil {
		t.Fatalf("Poll() = %+v, %v, %v; want change to 948271", u, changed, err)
	}
	if _, changed, _ := o.Poll(ctx); changed {
		t.Fatal("Poll() unchanged value reported as change")
	}
	if got := len(evts); got != 1 {
		t.Fatalf("events = %d; want 1", got)
	}
	evt := <-evts
	var payload Update
	if err := json.Unmarshal(evt.Data, &payload); err != nil || payload.Value != "948271" {
		t.Fatalf("event payload = %s, %v", evt.Data, err)
	}

	raw, err := st.Get(ctx, store.Session, store.KeyLastClipboardValue)
	if err != nil || string(raw) != "948271" {
		t.Fatalf("stored value = %q, %v", raw, err)
	}
}

func TestCopyAttachesSource(t *testing.T) {
	cb := &fakeClipboard{}
	st := openStore(t)
	o := NewObserver(cb, st, nil, 0)
	ctx := context.Background()
	v, err := object.New(objecttype.Default(), "CARD", "948271", "https://acme.domo.com")
	if err != nil {
		t.Fatalf("object.New() error = %v", err)
	}

	u, err := o.Copy(ctx, v)
	if err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if u.Value != "948271" || u.Source == nil || u.Source.TypeID != "CARD" {
		t.Fatalf("Copy() = %+v; want sourced update", u)
	}

	// Copying the same id again still reports the source.
	u, err = o.Copy(ctx, v)
	if err != nil || u.Source == nil {
		t.Fatalf("Copy() repeat = %+v, %v; want sourced update", u, err)
	}

	last, err := o.Last(ctx)
	if err != nil || last.Source == nil || last.Source.ID != "948271" {
		t.Fatalf("Last() = %+v, %v; want stored source", last, err)
	}

	cb.set("1204")
	if _, changed, _ := o.Poll(ctx); !changed {
		t.Fatal("Poll() missed external change")
	}
	last, err = o.Last(ctx)
	if err != nil || last.Value != "1204" || last.Source != nil {
		t.Fatalf("Last() = %+v, %v; want unsourced 1204", last, err)
	}

	if _, err := o.CopyText(ctx, "  "); err == nil {
		t.Fatal("CopyText(blank) = nil; want error")
	}
}

func TestPollReadError(t *testing.T) {
	cb := &fakeClipboard{err: errors.New("no clipboard utility")}
	o := NewObserver(cb, nil, nil, 0)
	if _, changed, err := o.Poll(context.Background()); err == nil || changed {
		t.Fatalf("Poll() = changed %v, err %v; want error", changed, err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cb := &fakeClipboard{text: "a"}
	broker := events.NewBroker()
	_, evts := broker.Subscribe()
	o := NewObserver(cb, nil, broker, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	select {
	case evt := <-evts:
		if evt.Kind != events.ClipboardUpdated {
			t.Fatalf("event kind = %q", evt.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() never published")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v; want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop")
	}
}

func TestResolve(t *testing.T) {
	reg := objecttype.Default()
	det := detect.New(reg, detect.DefaultHostSuffix, detect.DefaultExcludedHosts)
	ctx := context.Background()
	calls := 0
	f := inpage.FetcherFunc(func(_ context.Context, req inpage.Request) (inpage.Response, error) {
		calls++
		if req.Method == "PUT" && req.Path == "/content/v3/cards/kpi/definition" {
			return inpage.Response{Status: 200, Body: json.RawMessage(`{"definition":{"title":"Revenue"}}`)}, nil
		}
		return inpage.Response{Status: 404}, &inpage.CodedError{Code: inpage.CodeHTTPStatus, Status: 404}
	})

	v, err := Resolve(ctx, det, f, Update{Value: " 948271 "}, "https://acme.domo.com")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if v.TypeID() != "CARD" || v.Name() != "Revenue" {
		t.Fatalf("Resolve() = %s %q; want CARD Revenue", v, v.Name())
	}

	src, _ := object.New(reg, "PAGE", "100", "https://acme.domo.com")
	s := src.Serialize()
	calls = 0
	v, err = Resolve(ctx, det, f, Update{Value: "100", Source: &s}, "https://acme.domo.com")
	if err != nil || v.TypeID() != "PAGE" || calls != 0 {
		t.Fatalf("Resolve(source) = %v, %v, calls %d; want PAGE without fetch", v, err, calls)
	}

	if _, err := Resolve(ctx, det, f, Update{Value: "hello world"}, "https://acme.domo.com"); !errors.Is(err, detect.ErrInvalidID) {
		t.Fatalf("Resolve(text) error = %v; want ErrInvalidID", err)
	}
}
