package tabcontext

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/dgnsrekt/domo_companion/internal/actions"
	"github.com/dgnsrekt/domo_companion/internal/detect"
	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/object"
)

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}

// populate runs the background half of a navigation: DOM refinement,
// visited history, enrichment, parent lookup, then child lists in parallel.
func (c *Cache) populate(ctx context.Context, tabID, rawURL string, epoch uint64, v *object.Value) {
	if c.opts.Store != nil {
		if tenant, _, ok := c.det.Tenant(rawURL); ok {
			if _, err := c.opts.Store.RecordVisitedInstance(ctx, tenant); err != nil {
				slog.Warn("record visited instance failed", "tenant", tenant, "error", err)
			}
		}
	}

	if c.opts.ProbeDOM {
		if refined := c.refine(ctx, tabID, rawURL); refined != nil && (v == nil || refined.TypeID() != v.TypeID() || refined.ID() != v.ID()) {
			v = refined
			s := v.Serialize()
			if !c.patch(tabID, epoch, "dom", func(tc *TabContext) { tc.ObjectValue = &s }) {
				return
			}
		}
	}
	if v == nil {
		return
	}

	f := c.tabs.ForTab(tabID)

	enriched, err := detect.Enrich(ctx, f, v)
	if err != nil {
		slog.Info("tab context enrichment failed", "tab_id", tabID, "object", v.String(), "error", err)
	}
	if enriched != v || err != nil {
		v = enriched
		s := v.Serialize()
		ok := c.patch(tabID, epoch, "enriched", func(tc *TabContext) {
			tc.ObjectValue = &s
			if err != nil {
				setError(tc, "metadata", err)
			}
		})
		if !ok {
			return
		}
	}

	if v.Type().CanonicalParent() != "" {
		withParent, err := c.resolveParent(ctx, f, v)
		switch {
		case settledParent(err):
		case err != nil:
			slog.Warn("tab context parent lookup failed", "tab_id", tabID, "object", v.String(), "error", err)
			if !c.patch(tabID, epoch, "parent", func(tc *TabContext) { setError(tc, "parent", err) }) {
				return
			}
		default:
			v = withParent
			s := v.Serialize()
			if !c.patch(tabID, epoch, "parent", func(tc *TabContext) { tc.ObjectValue = &s }) {
				return
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if actions.SupportsChildPages(v.TypeID()) {
		g.Go(func() error {
			items, err := actions.ListChildPages(gctx, f, v)
			c.setList(tabID, epoch, FieldChildPages, items, err)
			return nil
		})
	}
	if actions.SupportsCards(v.TypeID()) {
		g.Go(func() error {
			items, err := actions.ListCards(gctx, f, v)
			c.setList(tabID, epoch, FieldCards, items, err)
			return nil
		})
	}
	_ = g.Wait()
}

// setList completes a child list. A failed fetch still completes the field,
// as an empty list with the error recorded.
func (c *Cache) setList(tabID string, epoch uint64, field Field, items []actions.Item, err error) {
	if err != nil {
		slog.Info("tab context list failed", "tab_id", tabID, "field", string(field), "error", err)
	}
	if items == nil {
		items = []actions.Item{}
	}
	c.patch(tabID, epoch, string(field), func(tc *TabContext) {
		switch field {
		case FieldChildPages:
			tc.ChildPages = items
		case FieldCards:
			tc.Cards = items
		}
		if err != nil {
			setError(tc, string(field), err)
		}
	})
}

func (c *Cache) refine(ctx context.Context, tabID, rawURL string) *object.Value {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	frags, err := c.tabs.PageFragments(probeCtx, tabID)
	if err != nil {
		slog.Debug("page fragment probe failed", "tab_id", tabID, "error", err)
		return nil
	}
	state := detect.ParsePageState(frags)
	return c.det.FromURL(rawURL, &state)
}

const parentLookupTimeout = 30 * time.Second

// resolveParent shares one lookup between tabs showing the same object.
// The shared call outlives the navigation of whichever tab started it, and
// a tab whose shared result failed retries on its own fetcher.
func (c *Cache) resolveParent(ctx context.Context, f inpage.Fetcher, v *object.Value) (*object.Value, error) {
	key := v.BaseURL() + "|" + v.TypeID() + "|" + v.ID()
	ch := c.parents.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(c.baseCtx, parentLookupTimeout)
		defer cancel()
		return v.ResolveParent(lctx, f)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil && res.Shared && ctx.Err() == nil && !settledParent(res.Err) {
		slog.Debug("shared parent lookup failed, retrying for tab", "object", v.String(), "error", res.Err)
		res.Val, res.Err = v.ResolveParent(ctx, f)
	}
	if res.Err != nil {
		return nil, res.Err
	}
	resolved := res.Val.(*object.Value)
	// A shared result may come from a sibling tab's less enriched value.
	if !resolved.HasDetails() && v.HasDetails() {
		m := resolved.Metadata()
		return v.WithParent(resolved.ParentID(), m.Parent), nil
	}
	return resolved, nil
}

// settledParent reports errors that hold for every tab showing the object.
func settledParent(err error) bool {
	return errors.Is(err, object.ErrParentUnsupported) || errors.Is(err, object.ErrNoParent)
}
