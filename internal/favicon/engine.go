package favicon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/dgnsrekt/domo_companion/internal/detect"
	"github.com/dgnsrekt/domo_companion/internal/store"
)

var (
	ErrNotTenant = errors.New("favicon: not a tenant page")
	ErrNoRule    = errors.New("favicon: no rule matches")
)

// LogoSource reads the tenant logo from a tab.
type LogoSource interface {
	LogoID(ctx context.Context, tabID string) (string, error)
	LogoBytes(ctx context.Context, tabID string) ([]byte, error)
}

// Page is a tab whose icon can be read and replaced.
type Page interface {
	LogoSource
	CurrentFavicon(ctx context.Context, tabID string) ([]byte, error)
	ApplyFavicon(ctx context.Context, tabID string, png []byte) error
}

// Engine matches rules against tenant subdomains and applies cached
// renderings.
type Engine struct {
	st         *store.Store
	page       Page
	hostSuffix string
	excluded   map[string]bool
}

func NewEngine(st *store.Store, page Page, hostSuffix string, excludedHosts []string) *Engine {
	if hostSuffix == "" {
		hostSuffix = detect.DefaultHostSuffix
	}
	if !strings.HasPrefix(hostSuffix, ".") {
		hostSuffix = "." + hostSuffix
	}
	excluded := make(map[string]bool, len(excludedHosts))
	for _, h := range excludedHosts {
		excluded[strings.ToLower(strings.TrimSpace(h))] = true
	}
	return &Engine{st: st, page: page, hostSuffix: strings.ToLower(hostSuffix), excluded: excluded}
}

// Subdomain returns the tenant part of rawURL. Excluded hosts, other
// domains and authentication paths are rejected.
func (e *Engine) Subdomain(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || e.excluded[host] || !strings.HasSuffix(host, e.hostSuffix) {
		return "", false
	}
	if detect.IsAuthPath(u.Path) {
		return "", false
	}
	sub := strings.TrimSuffix(host, e.hostSuffix)
	return sub, sub != ""
}

// Rules returns the saved rule list, empty when none was saved.
func (e *Engine) Rules(ctx context.Context) ([]Rule, error) {
	var rules []Rule
	err := e.st.GetJSON(ctx, store.Sync, store.KeyFaviconRules, &rules)
	if errors.Is(err, store.ErrNotFound) {
		return []Rule{}, nil
	}
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// SaveRules replaces the rule list and drops every rendered icon.
func (e *Engine) SaveRules(ctx context.Context, rules []Rule) error {
	if err := ValidateRules(rules); err != nil {
		return err
	}
	rules = withIDs(rules)
	if err := e.st.SetJSON(ctx, store.Sync, store.KeyFaviconRules, rules); err != nil {
		return err
	}
	n, err := e.ClearCache(ctx)
	if err != nil {
		return err
	}
	slog.Info("favicon rules saved", "rules", len(rules), "cleared", n)
	return nil
}

// ClearCache removes every favicon_* entry. Logo entries are keyed by logo
// identity and survive.
func (e *Engine) ClearCache(ctx context.Context) (int, error) {
	return e.st.DeletePrefix(ctx, store.Local, store.PrefixFavicon)
}

// Decision is the rule chosen for a URL.
type Decision struct {
	Subdomain string `json:"subdomain"`
	Rule      Rule   `json:"rule"`
	Index     int    `json:"index"`
}

// MatchURL picks the rule for rawURL.
func (e *Engine) MatchURL(ctx context.Context, rawURL string) (Decision, error) {
	sub, ok := e.Subdomain(rawURL)
	if !ok {
		return Decision{Index: -1}, ErrNotTenant
	}
	rules, err := e.Rules(ctx)
	if err != nil {
		return Decision{Index: -1}, err
	}
	r, i, ok := Match(rules, sub)
	if !ok {
		return Decision{Subdomain: sub, Index: -1}, ErrNoRule
	}
	return Decision{Subdomain: sub, Rule: r, Index: i}, nil
}

// Applied reports what Apply did.
type Applied struct {
	Decision
	Key    string `json:"key"`
	Cached bool   `json:"cached"`
}

// Apply renders (or reuses) the icon for the tab's URL and installs it.
func (e *Engine) Apply(ctx context.Context, tabID, rawURL string) (Applied, error) {
	d, err := e.MatchURL(ctx, rawURL)
	if err != nil {
		return Applied{Decision: d}, err
	}
	var (
		icon   []byte
		key    string
		cached bool
	)
	if d.Rule.Effect == EffectInstanceLogo {
		icon, key, cached, err = e.instanceLogo(ctx, tabID, d.Subdomain)
	} else {
		icon, key, cached, err = e.pixelEffect(ctx, tabID, d.Subdomain, d.Rule)
	}
	if err != nil {
		return Applied{Decision: d}, err
	}
	if err := e.page.ApplyFavicon(ctx, tabID, icon); err != nil {
		return Applied{Decision: d}, fmt.Errorf("favicon apply: %w", err)
	}
	slog.Debug("favicon applied", "tab_id", tabID, "subdomain", d.Subdomain, "effect", d.Rule.Effect, "cached", cached)
	return Applied{Decision: d, Key: key, Cached: cached}, nil
}

func (e *Engine) pixelEffect(ctx context.Context, tabID, sub string, r Rule) ([]byte, string, bool, error) {
	key := store.FaviconKey(sub, string(r.Effect), strings.ToLower(strings.TrimSpace(r.Color)))
	if icon, err := e.st.Get(ctx, store.Local, key); err == nil {
		return icon, key, true, nil
	}

	var (
		base     []byte
		fallback bool
	)
	if r.Effect != EffectDomoLogoColored {
		orig, err := e.page.CurrentFavicon(ctx, tabID)
		if err != nil {
			slog.Debug("favicon original unavailable, using bundled logo", "tab_id", tabID, "error", err)
			fallback = true
		}
		base = orig
	}
	icon, err := Render(r, base)
	if err != nil {
		return nil, key, false, err
	}
	// A render over the bundled logo stands in until the real icon can be
	// fetched, so it is not kept.
	if fallback {
		return icon, key, false, nil
	}
	if err := e.st.Set(ctx, store.Local, key, icon); err != nil {
		slog.Warn("favicon cache write failed", "key", key, "error", err)
	}
	return icon, key, false, nil
}

// instanceLogo reuses the cached logo while the tenant's logo id is
// unchanged.
func (e *Engine) instanceLogo(ctx context.Context, tabID, sub string) ([]byte, string, bool, error) {
	key, idKey := store.LogoKey(sub), store.LogoIDKey(sub)
	id, err := e.page.LogoID(ctx, tabID)
	if err != nil {
		return nil, key, false, fmt.Errorf("favicon logo id: %w", err)
	}
	if prev, err := e.st.Get(ctx, store.Local, idKey); err == nil && string(prev) == id && id != "" {
		if icon, err := e.st.Get(ctx, store.Local, key); err == nil {
			return icon, key, true, nil
		}
	}

	raw, err := e.page.LogoBytes(ctx, tabID)
	if err != nil {
		return nil, key, false, fmt.Errorf("favicon logo: %w", err)
	}
	icon, err := Render(Rule{Effect: EffectInstanceLogo}, raw)
	if err != nil {
		return nil, key, false, err
	}
	if err := e.st.Set(ctx, store.Local, key, icon); err != nil {
		return nil, key, false, err
	}
	if err := e.st.Set(ctx, store.Local, idKey, []byte(id)); err != nil {
		return nil, key, false, err
	}
	slog.Info("tenant logo cached", "subdomain", sub, "logo_id", id)
	return icon, key, false, nil
}
