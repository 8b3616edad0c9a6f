// Package tabwatch follows page targets in the attached browser and feeds
// their navigations to the tab context cache.
package tabwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/domo_companion/internal/favicon"
	"github.com/dgnsrekt/domo_companion/internal/tabcontext"
)

// Sink receives navigations. *tabcontext.Cache implements it.
type Sink interface {
	OnTabUpdated(tabID, rawURL string) tabcontext.TabContext
	OnTabRemoved(tabID string)
}

// Icons applies favicon rules to a tab. *favicon.Engine implements it.
type Icons interface {
	Apply(ctx context.Context, tabID, rawURL string) (favicon.Applied, error)
}

const (
	pageTarget          = "page"
	DefaultIconDelay    = 750 * time.Millisecond
	defaultApplyTimeout = 15 * time.Second
)

type Options struct {
	// Icons is optional; nil leaves tab icons alone.
	Icons Icons
	// IconDelay lets the new document settle before its icon is replaced.
	IconDelay time.Duration
}

type Watcher struct {
	cdpURL string
	sink   Sink
	opts   Options

	mu        sync.Mutex
	urls      map[target.ID]string
	iconStops map[target.ID]context.CancelFunc
	wg        sync.WaitGroup
}

func New(cdpURL string, sink Sink, opts Options) *Watcher {
	if opts.IconDelay < 0 {
		opts.IconDelay = 0
	}
	return &Watcher{
		cdpURL:    cdpURL,
		sink:      sink,
		opts:      opts,
		urls:      make(map[target.ID]string),
		iconStops: make(map[target.ID]context.CancelFunc),
	}
}

// Run connects to the browser, seeds the sink from the open page targets
// and follows target discovery until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	slog.Info("Connecting tab watcher", "url", w.cdpURL)
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, w.cdpURL)
	defer allocCancel()
	bctx, bcancel := chromedp.NewContext(allocCtx)
	defer bcancel()

	chromedp.ListenBrowser(bctx, func(ev any) { w.handle(ctx, ev) })

	// Targets allocates the browser connection without opening a tab.
	targets, err := chromedp.Targets(bctx)
	if err != nil {
		return fmt.Errorf("tab watcher: enumerate targets: %w", err)
	}
	c := chromedp.FromContext(bctx)
	if err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(bctx, c.Browser)); err != nil {
		return fmt.Errorf("tab watcher: enable discovery: %w", err)
	}
	w.Seed(ctx, targets)

	var runErr error
	select {
	case <-ctx.Done():
	case <-bctx.Done():
		runErr = errors.New("tab watcher: browser connection closed")
	}
	w.stopIcons()
	w.wg.Wait()
	return runErr
}

// Seed records the given targets as if each had just navigated. Tabs seen
// before but missing from targets closed while disconnected and are
// removed.
func (w *Watcher) Seed(ctx context.Context, targets []*target.Info) {
	open := make(map[target.ID]bool, len(targets))
	for _, t := range targets {
		if t != nil {
			open[t.TargetID] = true
		}
	}
	w.mu.Lock()
	var gone []target.ID
	for id := range w.urls {
		if !open[id] {
			gone = append(gone, id)
		}
	}
	w.mu.Unlock()
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	for _, id := range gone {
		w.remove(id)
	}

	n := 0
	for _, t := range targets {
		if w.update(ctx, t) {
			n++
		}
	}
	slog.Info("Tab watcher seeded", "tabs", n, "removed", len(gone))
}

func (w *Watcher) handle(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		w.update(ctx, e.TargetInfo)
	case *target.EventTargetInfoChanged:
		w.update(ctx, e.TargetInfo)
	case *target.EventTargetDestroyed:
		w.remove(e.TargetID)
	case *target.EventTargetCrashed:
		w.remove(e.TargetID)
	}
}

// update reports whether the target produced a navigation.
func (w *Watcher) update(ctx context.Context, info *target.Info) bool {
	if info == nil || info.Type != pageTarget || info.URL == "" {
		return false
	}
	w.mu.Lock()
	if w.urls[info.TargetID] == info.URL {
		w.mu.Unlock()
		return false
	}
	w.urls[info.TargetID] = info.URL
	w.mu.Unlock()

	tabID := string(info.TargetID)
	tc := w.sink.OnTabUpdated(tabID, info.URL)
	slog.Debug("Tab navigated", "tab_id", tabID, "url", info.URL, "epoch", tc.Epoch)
	if tc.IsDomoPage {
		w.scheduleIcon(ctx, info.TargetID, info.URL)
	}
	return true
}

func (w *Watcher) remove(id target.ID) {
	w.mu.Lock()
	_, ok := w.urls[id]
	delete(w.urls, id)
	if stop, found := w.iconStops[id]; found {
		stop()
		delete(w.iconStops, id)
	}
	w.mu.Unlock()
	if ok {
		w.sink.OnTabRemoved(string(id))
		slog.Debug("Tab closed", "tab_id", string(id))
	}
}

// scheduleIcon replaces any pending icon work for the tab.
func (w *Watcher) scheduleIcon(ctx context.Context, id target.ID, rawURL string) {
	if w.opts.Icons == nil {
		return
	}
	ictx, cancel := context.WithTimeout(ctx, w.opts.IconDelay+defaultApplyTimeout)
	w.mu.Lock()
	if stop, ok := w.iconStops[id]; ok {
		stop()
	}
	w.iconStops[id] = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		if w.opts.IconDelay > 0 {
			t := time.NewTimer(w.opts.IconDelay)
			defer t.Stop()
			select {
			case <-ictx.Done():
				return
			case <-t.C:
			}
		}
		applied, err := w.opts.Icons.Apply(ictx, string(id), rawURL)
		switch {
		case errors.Is(err, favicon.ErrNotTenant), errors.Is(err, favicon.ErrNoRule):
		case err != nil:
			slog.Warn("Favicon apply failed", "tab_id", string(id), "error", err)
		default:
			slog.Debug("Favicon applied", "tab_id", string(id), "key", applied.Key, "cached", applied.Cached)
		}
	}()
}

func (w *Watcher) stopIcons() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, stop := range w.iconStops {
		stop()
		delete(w.iconStops, id)
	}
}

// Wait blocks until scheduled icon work has finished.
func (w *Watcher) Wait() { w.wg.Wait() }
