package tabcontext

import (
	"context"
	"time"

	"github.com/dgnsrekt/domo_companion/internal/actions"
)

// WaitForField polls the tab's context until field is populated, giving up
// after the configured attempts.
func (c *Cache) WaitForField(ctx context.Context, tabID string, field Field) ([]actions.Item, error) {
	if _, err := ParseField(string(field)); err != nil {
		return nil, err
	}
	ticker := time.NewTicker(c.opts.WaitInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < c.opts.WaitAttempts; attempt++ {
		if tc, ok := c.Get(tabID); ok {
			if items := tc.field(field); items != nil {
				return items, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return nil, ErrTimeout
}

// AwaitField resolves on the first published context for tabID whose field
// is populated, or on timeout.
func (c *Cache) AwaitField(ctx context.Context, tabID string, field Field, timeout time.Duration) ([]actions.Item, error) {
	if _, err := ParseField(string(field)); err != nil {
		return nil, err
	}
	got := make(chan []actions.Item, 1)
	unsubscribe := c.Subscribe(func(tc TabContext) {
		if tc.TabID != tabID {
			return
		}
		if items := tc.field(field); items != nil {
			select {
			case got <- items:
			default:
			}
		}
	})
	defer unsubscribe()

	if tc, ok := c.Get(tabID); ok {
		if items := tc.field(field); items != nil {
			return items, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case items := <-got:
		return items, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
