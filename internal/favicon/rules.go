// Package favicon tints each tenant's browser tab icon according to an
// ordered list of subdomain rules.
package favicon

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lucasb-eyer/go-colorful"
)

// Effect is how a rule changes the icon.
type Effect string

const (
	EffectTop        Effect = "top"
	EffectBottom     Effect = "bottom"
	EffectLeft       Effect = "left"
	EffectRight      Effect = "right"
	EffectBackground Effect = "background"
	EffectCover      Effect = "cover"
	// EffectReplace recolors every visible pixel of the icon, keeping its
	// silhouette.
	EffectReplace Effect = "replace"
	// EffectXorTop XOR-composites a color band over the top of the icon:
	// opaque pixels are punched out and transparent ones are filled.
	EffectXorTop Effect = "xor-top"
	// EffectInstanceLogo replaces the icon with the tenant's own logo.
	EffectInstanceLogo Effect = "instance-logo"
	// EffectDomoLogoColored draws the bundled logo on a solid square.
	EffectDomoLogoColored Effect = "domo-logo-colored"
)

var effects = map[Effect]bool{
	EffectTop: true, EffectBottom: true, EffectLeft: true, EffectRight: true,
	EffectBackground: true, EffectCover: true, EffectReplace: true, EffectXorTop: true,
	EffectInstanceLogo: true, EffectDomoLogoColored: true,
}

// Effects lists every known effect.
func Effects() []Effect {
	return []Effect{
		EffectInstanceLogo, EffectDomoLogoColored, EffectTop, EffectRight, EffectBottom,
		EffectLeft, EffectCover, EffectReplace, EffectBackground, EffectXorTop,
	}
}

// Rule maps a subdomain pattern to an effect. ID identifies the rule for
// editing; SaveRules assigns one when it is empty.
type Rule struct {
	ID      string `json:"id,omitempty" yaml:"id,omitempty"`
	Pattern string `json:"pattern" yaml:"pattern"`
	Effect  Effect `json:"effect" yaml:"effect"`
	Color   string `json:"color,omitempty" yaml:"color,omitempty"`
}

// Validate checks the effect and color. Patterns are not checked here: an
// invalid pattern is skipped at match time.
func (r Rule) Validate() error {
	if !effects[r.Effect] {
		return fmt.Errorf("favicon: unknown effect %q", r.Effect)
	}
	if r.Effect == EffectInstanceLogo {
		return nil
	}
	if _, _, err := ParseColor(r.Color); err != nil {
		return err
	}
	return nil
}

// ValidateRules reports the first invalid rule by index. Non-empty ids must
// be unique.
func ValidateRules(rules []Rule) error {
	seen := make(map[string]int, len(rules))
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if r.ID == "" {
			continue
		}
		if j, dup := seen[r.ID]; dup {
			return fmt.Errorf("rule %d: id %q already used by rule %d", i, r.ID, j)
		}
		seen[r.ID] = i
	}
	return nil
}

// withIDs returns a copy of rules where every rule has an id.
func withIDs(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		out[i] = r
	}
	return out
}

// Match returns the first rule whose pattern matches subdomain.
func Match(rules []Rule, subdomain string) (Rule, int, bool) {
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			slog.Warn("favicon rule pattern invalid, skipping", "index", i, "pattern", r.Pattern, "error", err)
			continue
		}
		if re.MatchString(subdomain) {
			return r, i, true
		}
	}
	return Rule{}, -1, false
}

// ParseColor accepts #rgb, #rrggbb and #rrggbbaa.
func ParseColor(s string) (colorful.Color, uint8, error) {
	s = strings.TrimSpace(s)
	alpha := uint8(0xff)
	if len(s) == 9 && strings.HasPrefix(s, "#") {
		a, err := strconv.ParseUint(s[7:], 16, 8)
		if err != nil {
			return colorful.Color{}, 0, fmt.Errorf("favicon: invalid color %q", s)
		}
		alpha = uint8(a)
		s = s[:7]
	}
	c, err := colorful.Hex(s)
	if err != nil {
		return colorful.Color{}, 0, fmt.Errorf("favicon: invalid color %q", s)
	}
	return c, alpha, nil
}
