// Package tabcontext keeps the authoritative "what is this tab showing"
// record for every browser tab and refreshes it on navigation.
package tabcontext

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/domo_companion/internal/actions"
	"github.com/dgnsrekt/domo_companion/internal/detect"
	"github.com/dgnsrekt/domo_companion/internal/events"
	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/object"
	"github.com/dgnsrekt/domo_companion/internal/store"
)

var (
	ErrNoContext    = errors.New("no context for tab")
	ErrTimeout      = errors.New("timed out waiting for tab context field")
	ErrUnknownField = errors.New("unknown tab context field")
)

// Field names a lazily populated list on a TabContext.
type Field string

const (
	FieldChildPages Field = "childPages"
	FieldCards      Field = "cards"
)

// ParseField accepts the JSON field names.
func ParseField(s string) (Field, error) {
	switch Field(s) {
	case FieldChildPages, FieldCards:
		return Field(s), nil
	}
	return "", ErrUnknownField
}

// TabContext is the per-tab record. ChildPages and Cards are nil until the
// background fetch for them finishes; a finished fetch always leaves a
// non-nil slice, so JSON null means "still loading".
type TabContext struct {
	TabID       string             `json:"tabId"`
	URL         string             `json:"url"`
	Tenant      string             `json:"tenant,omitempty"`
	IsDomoPage  bool               `json:"isDomoPage"`
	ObjectValue *object.Serialized `json:"objectValue,omitempty"`
	ChildPages  []actions.Item     `json:"childPages"`
	Cards       []actions.Item     `json:"cards"`
	Errors      map[string]string  `json:"errors,omitempty"`
	Epoch       uint64             `json:"epoch"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

func (tc TabContext) field(f Field) []actions.Item {
	switch f {
	case FieldChildPages:
		return tc.ChildPages
	case FieldCards:
		return tc.Cards
	}
	return nil
}

// clone copies the slices and map. ObjectValue is replaced, never mutated,
// once published, so it is shared.
func (tc TabContext) clone() TabContext {
	out := tc
	if tc.ChildPages != nil {
		out.ChildPages = append([]actions.Item{}, tc.ChildPages...)
	}
	if tc.Cards != nil {
		out.Cards = append([]actions.Item{}, tc.Cards...)
	}
	if tc.Errors != nil {
		out.Errors = make(map[string]string, len(tc.Errors))
		for k, v := range tc.Errors {
			out.Errors[k] = v
		}
	}
	return out
}

// Tabs is the slice of the in-page executor the cache needs.
type Tabs interface {
	ForTab(tabID string) inpage.Fetcher
	PageFragments(ctx context.Context, tabID string) (inpage.PageFragments, error)
}

// Journal receives one record per context mutation.
type Journal interface {
	Write(record any) error
}

type Options struct {
	Store        *store.Store
	Broker       *events.Broker
	Journal      Journal
	WaitAttempts int
	WaitInterval time.Duration
	// ProbeDOM reads page fragments before enrichment so DOM-only rules
	// (card dialogs, drill breadcrumbs) can refine the URL match.
	ProbeDOM bool
	// TaskTimeout bounds the background work of one navigation.
	TaskTimeout time.Duration
}

const (
	DefaultWaitAttempts = 50
	DefaultWaitInterval = 100 * time.Millisecond
	defaultTaskTimeout  = time.Minute
)

type entry struct {
	tc     TabContext
	cancel context.CancelFunc
}

type Cache struct {
	det  *detect.Detector
	tabs Tabs
	opts Options

	mu      sync.RWMutex
	entries map[string]*entry
	seq     atomic.Uint64

	lmu       sync.RWMutex
	listeners map[int64]func(TabContext)
	nextLID   int64

	parents singleflight.Group

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func New(det *detect.Detector, tabs Tabs, opts Options) *Cache {
	if opts.WaitAttempts <= 0 {
		opts.WaitAttempts = DefaultWaitAttempts
	}
	if opts.WaitInterval <= 0 {
		opts.WaitInterval = DefaultWaitInterval
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Cache{
		det:       det,
		tabs:      tabs,
		opts:      opts,
		entries:   make(map[string]*entry),
		listeners: make(map[int64]func(TabContext)),
		baseCtx:   ctx,
		stop:      stop,
	}
}

// OnTabUpdated records a navigation. The URL-only detection result is
// published immediately; enrichment, parent lookup and child lists follow
// in the background and are dropped if the tab navigates again first.
func (c *Cache) OnTabUpdated(tabID, rawURL string) TabContext {
	epoch := c.seq.Add(1)
	tc := TabContext{TabID: tabID, URL: rawURL, Epoch: epoch, UpdatedAt: time.Now().UTC()}

	tenant, _, onHost := c.det.Tenant(rawURL)
	var v *object.Value
	if onHost {
		tc.Tenant = tenant
		tc.IsDomoPage = true
		if path := urlPath(rawURL); !detect.IsAuthPath(path) {
			v = c.det.FromURL(rawURL, nil)
		}
	}
	if v != nil {
		s := v.Serialize()
		tc.ObjectValue = &s
	}

	ctx, cancel := context.WithTimeout(c.baseCtx, c.opts.TaskTimeout)
	c.mu.Lock()
	if prev, ok := c.entries[tabID]; ok && prev.cancel != nil {
		prev.cancel()
	}
	c.entries[tabID] = &entry{tc: tc, cancel: cancel}
	snapshot := tc.clone()
	c.mu.Unlock()

	c.publish(snapshot, "navigated")

	if !onHost {
		cancel()
		return snapshot
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.populate(ctx, tabID, rawURL, epoch, v)
	}()
	return snapshot
}

// OnTabRemoved drops the tab's context and abandons its background work.
func (c *Cache) OnTabRemoved(tabID string) {
	c.mu.Lock()
	e, ok := c.entries[tabID]
	if ok {
		delete(c.entries, tabID)
		if e.cancel != nil {
			e.cancel()
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if c.opts.Broker != nil {
		c.opts.Broker.Emit(events.ContextRemoved, map[string]string{"tabId": tabID})
	}
	c.journal(e.tc, "removed")
}

// Refresh repeats detection for the tab's current URL.
func (c *Cache) Refresh(tabID string) (TabContext, error) {
	tc, ok := c.Get(tabID)
	if !ok {
		return TabContext{}, ErrNoContext
	}
	return c.OnTabUpdated(tabID, tc.URL), nil
}

func (c *Cache) Get(tabID string) (TabContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[tabID]
	if !ok {
		return TabContext{}, false
	}
	return e.tc.clone(), true
}

// List returns every context ordered by tab id.
func (c *Cache) List() []TabContext {
	c.mu.RLock()
	out := make([]TabContext, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.tc.clone())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Subscribe registers fn for every published context. fn runs on the
// goroutine that made the change and must not block. The returned func
// unregisters it.
func (c *Cache) Subscribe(fn func(TabContext)) func() {
	c.lmu.Lock()
	c.nextLID++
	id := c.nextLID
	c.listeners[id] = fn
	c.lmu.Unlock()
	return func() {
		c.lmu.Lock()
		delete(c.listeners, id)
		c.lmu.Unlock()
	}
}

// Wait blocks until all background work started so far has finished.
func (c *Cache) Wait() { c.wg.Wait() }

// Close abandons background work and waits for it to stop.
func (c *Cache) Close() {
	c.stop()
	c.wg.Wait()
}

// patch applies fn to the tab's context if epoch is still current.
func (c *Cache) patch(tabID string, epoch uint64, reason string, fn func(*TabContext)) bool {
	c.mu.Lock()
	e, ok := c.entries[tabID]
	if !ok || e.tc.Epoch != epoch {
		c.mu.Unlock()
		slog.Debug("stale tab context update dropped", "tab_id", tabID, "epoch", epoch, "reason", reason)
		return false
	}
	fn(&e.tc)
	e.tc.UpdatedAt = time.Now().UTC()
	snapshot := e.tc.clone()
	c.mu.Unlock()

	c.publish(snapshot, reason)
	return true
}

func (c *Cache) publish(tc TabContext, reason string) {
	c.lmu.RLock()
	fns := make([]func(TabContext), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.RUnlock()
	for _, fn := range fns {
		fn(tc)
	}
	if c.opts.Broker != nil {
		c.opts.Broker.Emit(events.ContextUpdated, tc)
	}
	c.journal(tc, reason)
}

func setError(tc *TabContext, key string, err error) {
	if tc.Errors == nil {
		tc.Errors = make(map[string]string)
	}
	tc.Errors[key] = err.Error()
}
