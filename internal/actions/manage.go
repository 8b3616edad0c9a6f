package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/object"
	"github.com/dgnsrekt/domo_companion/internal/objecttype"
)

var ErrInvalidUser = errors.New("owner must be a user id")

// Result is the outcome of one step of a bulk operation.
type Result struct {
	Item  Item   `json:"item"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// DeletePageAndCards deletes every card on the page and then the page. The
// page is kept when any card deletion fails.
func DeletePageAndCards(ctx context.Context, f inpage.Fetcher, reg *objecttype.Registry, pageID string) ([]Result, error) {
	page, err := object.New(reg, "PAGE", pageID, "")
	if err != nil {
		return nil, err
	}
	if !page.Type().IsValidID(pageID) {
		return nil, fmt.Errorf("delete page: invalid page id %q", pageID)
	}
	cards, err := ListCards(ctx, f, page)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(cards)+1)
	failed := 0
	for _, card := range cards {
		res := Result{Item: card, OK: true}
		if _, err := f.Fetch(ctx, inpage.Request{Method: "DELETE", Path: "/content/v1/cards/" + card.ID}); err != nil {
			res.OK, res.Error = false, err.Error()
			failed++
			slog.Warn("card delete failed", "page_id", pageID, "card_id", card.ID, "error", err)
		}
		results = append(results, res)
	}

	pageRes := Result{Item: Item{ID: pageID, Type: "PAGE"}}
	if failed > 0 {
		pageRes.Error = fmt.Sprintf("page kept: %d card deletions failed", failed)
		return append(results, pageRes), nil
	}
	if _, err := f.Fetch(ctx, inpage.Request{Method: "DELETE", Path: "/content/v1/pages/" + pageID}); err != nil {
		pageRes.Error = err.Error()
	} else {
		pageRes.OK = true
	}
	slog.Info("page delete finished", "page_id", pageID, "cards", len(cards), "page_deleted", pageRes.OK)
	return append(results, pageRes), nil
}

type ownerEndpoint struct {
	method   string
	endpoint string
	body     string
}

var ownerEndpoints = map[string]ownerEndpoint{
	"CARD":           {"POST", "/content/v1/cards/owners/add", `{"cardIds":[{id}],"owners":[{"id":{user},"type":"USER"}]}`},
	"PAGE":           {"PUT", "/content/v1/pages/bulk/owners", `{"pageIds":[{id}],"owners":[{"id":{user},"type":"USER"}]}`},
	"DATA_SOURCE":    {"PUT", "/data/v1/datasources/{id}/owner", `{"id":{user},"type":"USER"}`},
	"DATAFLOW_TYPE":  {"PUT", "/dataprocessing/v1/dataflows/{id}/patch", `{"owner":"{user}"}`},
	"DATA_APP":       {"PUT", "/content/v1/dataapps/{id}/owners", `[{"id":{user},"type":"USER"}]`},
	"ALERT":          {"PUT", "/social/v4/alerts/{id}/owner", `{"ownerId":{user}}`},
	"WORKFLOW_MODEL": {"PUT", "/workflows/v1/models/{id}/owner", `{"owner":"{user}"}`},
}

// SupportsOwnerUpdate reports whether UpdateOwner works for typeID.
func SupportsOwnerUpdate(typeID string) bool {
	_, ok := ownerEndpoints[typeID]
	return ok
}

// UpdateOwner makes userID the owner of v.
func UpdateOwner(ctx context.Context, f inpage.Fetcher, reg *objecttype.Registry, v *object.Value, userID string) error {
	ep, ok := ownerEndpoints[v.TypeID()]
	if !ok {
		return fmt.Errorf("update owner of %s: %w", v.TypeID(), ErrUnsupported)
	}
	userID = strings.TrimSpace(userID)
	user, err := reg.Get("USER")
	if err != nil {
		return err
	}
	if !user.IsValidID(userID) {
		return fmt.Errorf("%w: %q", ErrInvalidUser, userID)
	}
	if !v.Type().IsValidID(v.ID()) {
		return fmt.Errorf("update owner: invalid %s id %q", v.TypeID(), v.ID())
	}

	r := strings.NewReplacer("{id}", v.ID(), "{user}", userID)
	req := inpage.Request{Method: ep.method, Path: r.Replace(ep.endpoint), Body: r.Replace(ep.body)}
	if _, err := f.Fetch(ctx, req); err != nil {
		return fmt.Errorf("update owner of %s: %w", v, err)
	}
	slog.Info("owner updated", "type", v.TypeID(), "id", v.ID(), "owner", userID)
	return nil
}
