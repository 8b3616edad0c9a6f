// Package actions implements the bulk operations offered for the object in
// view: listing related pages, cards and datasets, deleting a page with its
// cards, reassigning ownership and opening a filtered activity log.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/object"
)

var ErrUnsupported = errors.New("action not supported for this object type")

// Item is a related object shown in a list.
type Item struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// listSource describes one endpoint returning related objects. ItemsPath
// "@this" means the body itself is the array.
type listSource struct {
	method    string
	endpoint  string
	itemsPath string
	idField   string
	nameField string
	itemType  string
}

var childPageSources = map[string]listSource{
	"PAGE":      {"GET", "/content/v1/pages/{id}/children", "@this", "id", "title", "PAGE"},
	"DATA_APP":  {"GET", "/content/v1/dataapps/{id}?includeViews=true", "views", "viewId", "title", "DATA_APP_VIEW"},
	"WORKSHEET": {"GET", "/content/v1/dataapps/{id}?includeViews=true", "views", "viewId", "title", "WORKSHEET_VIEW"},
}

var cardSources = map[string]listSource{
	"PAGE":           {"GET", "/content/v3/stacks/{id}/cards?parts=datasources", "cards", "id", "title", "CARD"},
	"DATA_APP_VIEW":  {"GET", "/content/v3/stacks/{id}/cards?parts=datasources", "cards", "id", "title", "CARD"},
	"WORKSHEET_VIEW": {"GET", "/content/v3/stacks/{id}/cards?parts=datasources", "cards", "id", "title", "CARD"},
	"DATA_SOURCE":    {"GET", "/content/v1/datasources/{id}/cards?drill=true", "@this", "id", "title", "CARD"},
}

// SupportsChildPages reports whether ListChildPages works for typeID.
func SupportsChildPages(typeID string) bool {
	_, ok := childPageSources[typeID]
	return ok
}

// SupportsCards reports whether ListCards works for typeID.
func SupportsCards(typeID string) bool {
	_, ok := cardSources[typeID]
	return ok
}

// SupportsDatasets reports whether ListDatasets works for typeID.
func SupportsDatasets(typeID string) bool {
	return typeID == "CARD" || (SupportsCards(typeID) && typeID != "DATA_SOURCE")
}

// ListChildPages returns the pages or app views nested under v. The result
// is never nil on success.
func ListChildPages(ctx context.Context, f inpage.Fetcher, v *object.Value) ([]Item, error) {
	src, ok := childPageSources[v.TypeID()]
	if !ok {
		return nil, fmt.Errorf("list child pages of %s: %w", v.TypeID(), ErrUnsupported)
	}
	body, err := src.fetch(ctx, f, v.ID())
	if err != nil {
		return nil, fmt.Errorf("list child pages of %s: %w", v, err)
	}
	return src.items(body), nil
}

// ListCards returns the cards shown on v, or built on v for datasets.
func ListCards(ctx context.Context, f inpage.Fetcher, v *object.Value) ([]Item, error) {
	src, ok := cardSources[v.TypeID()]
	if !ok {
		return nil, fmt.Errorf("list cards of %s: %w", v.TypeID(), ErrUnsupported)
	}
	body, err := src.fetch(ctx, f, v.ID())
	if err != nil {
		return nil, fmt.Errorf("list cards of %s: %w", v, err)
	}
	return src.items(body), nil
}

// ListDatasets returns the datasets feeding v's cards, deduplicated in first
// seen order.
func ListDatasets(ctx context.Context, f inpage.Fetcher, v *object.Value) ([]Item, error) {
	var cards gjson.Result
	switch {
	case v.TypeID() == "CARD":
		resp, err := f.Fetch(ctx, inpage.Request{
			Method: "GET",
			Path:   "/content/v1/cards?urns=" + v.ID() + "&parts=datasources",
		})
		if err != nil {
			return nil, fmt.Errorf("list datasets of %s: %w", v, err)
		}
		cards = gjson.ParseBytes(resp.Body)
	case SupportsDatasets(v.TypeID()):
		src := cardSources[v.TypeID()]
		body, err := src.fetch(ctx, f, v.ID())
		if err != nil {
			return nil, fmt.Errorf("list datasets of %s: %w", v, err)
		}
		cards = body.Get(src.itemsPath)
	default:
		return nil, fmt.Errorf("list datasets of %s: %w", v.TypeID(), ErrUnsupported)
	}

	var all []Item
	cards.ForEach(func(_, card gjson.Result) bool {
		card.Get("datasources").ForEach(func(_, ds gjson.Result) bool {
			id := ds.Get("dataSourceId").String()
			if id != "" {
				all = append(all, Item{ID: id, Name: ds.Get("dataSourceName").String(), Type: "DATA_SOURCE"})
			}
			return true
		})
		return true
	})
	out := lo.UniqBy(all, func(it Item) string { return it.ID })
	if out == nil {
		out = []Item{}
	}
	return out, nil
}

func (s listSource) fetch(ctx context.Context, f inpage.Fetcher, id string) (gjson.Result, error) {
	resp, err := f.Fetch(ctx, inpage.Request{
		Method: s.method,
		Path:   strings.ReplaceAll(s.endpoint, "{id}", id),
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(resp.Body), nil
}

func (s listSource) items(body gjson.Result) []Item {
	out := []Item{}
	body.Get(s.itemsPath).ForEach(func(_, it gjson.Result) bool {
		id := it.Get(s.idField).String()
		if id == "" {
			return true
		}
		out = append(out, Item{ID: id, Name: strings.TrimSpace(it.Get(s.nameField).String()), Type: s.itemType})
		return true
	})
	return out
}
