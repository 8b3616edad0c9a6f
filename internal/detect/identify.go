package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/object"
	"github.com/dgnsrekt/domo_companion/internal/objecttype"
)

// DetectionPriority ranks candidate types when probing a bare identifier.
// Types not listed follow in registry order.
var DetectionPriority = []string{
	"CARD",
	"DATA_SOURCE",
	"DATAFLOW_TYPE",
	"DATA_APP",
	"DATA_APP_VIEW",
	"PAGE",
	"USER",
	"GROUP",
	"ALERT",
	"BEAST_MODE_FORMULA",
	"WORKFLOW_MODEL",
}

var (
	ErrInvalidID        = errors.New("not a valid object identifier")
	ErrUndetectableType = errors.New("could not determine object type")
)

// UndetectableTypeError carries the id that no candidate type accepted.
type UndetectableTypeError struct {
	ID string
}

func (e *UndetectableTypeError) Error() string {
	return fmt.Sprintf("could not determine object type for %q", e.ID)
}

func (e *UndetectableTypeError) Is(target error) bool { return target == ErrUndetectableType }

var broadIDPattern = regexp.MustCompile(`(?i)^(-?\d+|[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)

// LooksLikeID accepts signed integers and UUIDs, the shapes worth probing
// from free text such as the clipboard.
func LooksLikeID(s string) bool {
	return broadIDPattern.MatchString(strings.TrimSpace(s))
}

func priorityRank(typeID string) int {
	for i, id := range DetectionPriority {
		if id == typeID {
			return i
		}
	}
	return len(DetectionPriority)
}

// Candidates returns the api types whose id pattern accepts id, in probe
// order. Types without an api never appear, so they only show up as parents.
func (d *Detector) Candidates(id string) []objecttype.Descriptor {
	cands := lo.Filter(d.reg.APITypes(), func(t objecttype.Descriptor, _ int) bool {
		return t.IsValidID(id)
	})
	sort.SliceStable(cands, func(i, j int) bool {
		return priorityRank(cands[i].ID) < priorityRank(cands[j].ID)
	})
	return cands
}

// FromID probes candidate types for id on the tenant at baseURL. Per
// candidate failures are expected and only logged.
func (d *Detector) FromID(ctx context.Context, f inpage.Fetcher, id, baseURL string) (*object.Value, error) {
	id = strings.TrimSpace(id)
	cands := d.Candidates(id)
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	for _, t := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := object.New(d.reg, t.ID, id, baseURL)
		if err != nil {
			continue
		}
		if t.RequiresParentForAPI() {
			resolved, err := v.ResolveParent(ctx, f)
			if err != nil {
				slog.Info("detect candidate parent unresolved", "id", id, "type", t.ID, "error", err)
				continue
			}
			v = resolved
		}

		got, deleted, err := v.FetchDetails(ctx, f)
		if err != nil {
			slog.Info("detect candidate rejected", "id", id, "type", t.ID, "error", err)
			continue
		}
		if got.Name() == "" {
			slog.Info("detect candidate rejected", "id", id, "type", t.ID, "reason", "empty name")
			continue
		}
		if deleted {
			slog.Info("detect candidate rejected", "id", id, "type", t.ID, "reason", "deleted")
			continue
		}
		slog.Info("detect id resolved", "id", id, "type", t.ID, "name", got.Name())
		return got, nil
	}
	return nil, &UndetectableTypeError{ID: id}
}

// Enrich fetches details for v unless it already has them. On error the
// returned value is v unchanged.
func Enrich(ctx context.Context, f inpage.Fetcher, v *object.Value) (*object.Value, error) {
	if v == nil || v.HasDetails() || !v.Type().HasAPI() {
		return v, nil
	}
	cur := v
	if cur.Type().RequiresParentForAPI() && cur.ParentID() == "" {
		resolved, err := cur.ResolveParent(ctx, f)
		if err != nil {
			return v, err
		}
		cur = resolved
	}
	got, _, err := cur.FetchDetails(ctx, f)
	if err != nil {
		return v, fmt.Errorf("enrich %s: %w", v, err)
	}
	return got, nil
}
