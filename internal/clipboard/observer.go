// Package clipboard mirrors the OS clipboard into session storage and
// announces every change.
package clipboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/atotto/clipboard"

	"github.com/dgnsrekt/domo_companion/internal/events"
	"github.com/dgnsrekt/domo_companion/internal/object"
	"github.com/dgnsrekt/domo_companion/internal/store"
)

// Clipboard reads and writes clipboard text.
type Clipboard interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

// System is the host clipboard.
type System struct{}

func (System) ReadAll() (string, error)   { return clipboard.ReadAll() }
func (System) WriteAll(text string) error { return clipboard.WriteAll(text) }

// Supported reports whether a clipboard utility is available on this host.
func Supported() bool { return !clipboard.Unsupported }

// Update is a clipboard change. Source is set when the value came from a
// copy action that already knew the object.
type Update struct {
	Value  string             `json:"value"`
	Source *object.Serialized `json:"source,omitempty"`
	At     time.Time          `json:"at"`
}

type Observer struct {
	cb       Clipboard
	st       *store.Store
	broker   *events.Broker
	interval time.Duration

	mu       sync.Mutex
	last     string
	sources  map[string]object.Serialized
	readFail bool
}

func NewObserver(cb Clipboard, st *store.Store, broker *events.Broker, interval time.Duration) *Observer {
	return &Observer{
		cb:       cb,
		st:       st,
		broker:   broker,
		interval: interval,
		sources:  make(map[string]object.Serialized),
	}
}

// Run polls until ctx is done. A non-positive interval disables polling.
func (o *Observer) Run(ctx context.Context) error {
	if o.interval <= 0 {
		slog.Info("clipboard polling disabled")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	slog.Info("clipboard observer started", "interval", o.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("clipboard observer stopped")
			return nil
		case <-ticker.C:
			if _, _, err := o.Poll(ctx); err != nil && ctx.Err() == nil {
				slog.Debug("clipboard poll failed", "error", err)
			}
		}
	}
}

// Poll reads the clipboard once and reports whether the value changed.
func (o *Observer) Poll(ctx context.Context) (Update, bool, error) {
	return o.poll(ctx, false)
}

// poll with force set reports the current value even when unchanged.
func (o *Observer) poll(ctx context.Context, force bool) (Update, bool, error) {
	text, err := o.cb.ReadAll()
	if err != nil {
		o.mu.Lock()
		first := !o.readFail
		o.readFail = true
		o.mu.Unlock()
		if first {
			slog.Warn("clipboard read failed", "error", err)
		}
		return Update{}, false, err
	}

	o.mu.Lock()
	o.readFail = false
	if text == o.last && !force {
		o.mu.Unlock()
		return Update{}, false, nil
	}
	o.last = text
	u := Update{Value: text, At: time.Now().UTC()}
	if src, ok := o.sources[text]; ok {
		u.Source = &src
	}
	// Sources only apply to the copy that registered them.
	clear(o.sources)
	o.mu.Unlock()

	if err := o.save(ctx, u); err != nil {
		return u, true, err
	}
	if o.broker != nil {
		o.broker.Emit(events.ClipboardUpdated, u)
	}
	slog.Debug("clipboard changed", "length", len(text), "has_source", u.Source != nil)
	return u, true, nil
}

func (o *Observer) save(ctx context.Context, u Update) error {
	if o.st == nil {
		return nil
	}
	if err := o.st.Set(ctx, store.Session, store.KeyLastClipboardValue, []byte(u.Value)); err != nil {
		return err
	}
	if u.Source == nil {
		return o.st.Delete(ctx, store.Session, store.KeyLastClipboardObject)
	}
	return o.st.SetJSON(ctx, store.Session, store.KeyLastClipboardObject, u.Source)
}

// Copy writes v's id to the clipboard and tags the resulting update with v.
func (o *Observer) Copy(ctx context.Context, v *object.Value) (Update, error) {
	if v == nil {
		return Update{}, errors.New("clipboard: nothing to copy")
	}
	s := v.Serialize()
	o.mu.Lock()
	o.sources[v.ID()] = s
	o.mu.Unlock()
	return o.write(ctx, v.ID())
}

// CopyText writes text without an object source.
func (o *Observer) CopyText(ctx context.Context, text string) (Update, error) {
	if strings.TrimSpace(text) == "" {
		return Update{}, errors.New("clipboard: empty text")
	}
	return o.write(ctx, text)
}

func (o *Observer) write(ctx context.Context, text string) (Update, error) {
	if err := o.cb.WriteAll(text); err != nil {
		return Update{}, fmt.Errorf("clipboard write: %w", err)
	}
	u, _, err := o.poll(ctx, true)
	return u, err
}

// Last returns the mirrored value from session storage.
func (o *Observer) Last(ctx context.Context) (Update, error) {
	if o.st == nil {
		o.mu.Lock()
		defer o.mu.Unlock()
		return Update{Value: o.last}, nil
	}
	raw, err := o.st.Get(ctx, store.Session, store.KeyLastClipboardValue)
	if errors.Is(err, store.ErrNotFound) {
		return Update{}, nil
	}
	if err != nil {
		return Update{}, err
	}
	u := Update{Value: string(raw)}
	var src object.Serialized
	switch err := o.st.GetJSON(ctx, store.Session, store.KeyLastClipboardObject, &src); {
	case err == nil:
		u.Source = &src
	case !errors.Is(err, store.ErrNotFound):
		return Update{}, err
	}
	return u, nil
}
