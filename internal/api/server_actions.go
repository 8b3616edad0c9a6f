package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/domo_companion/internal/actions"
	"github.com/dgnsrekt/domo_companion/internal/object"
)

func registerActionHandlers(api huma.API, svc Service) {
	lists := []struct {
		id, path, summary string
		fn                func(context.Context, string) ([]actions.Item, error)
	}{
		{"list-child-pages", "/api/v1/tabs/{tab_id}/pages", "Child pages of the tab's page", svc.ListChildPages},
		{"list-cards", "/api/v1/tabs/{tab_id}/cards", "Cards of the tab's object", svc.ListCards},
		{"list-datasets", "/api/v1/tabs/{tab_id}/datasets", "Datasets used by the tab's object", svc.ListDatasets},
	}
	for _, l := range lists {
		fn := l.fn
		huma.Register(api, huma.Operation{OperationID: l.id, Method: http.MethodGet, Path: l.path, Summary: l.summary, Tags: []string{"Actions"}},
			func(ctx context.Context, input *tabIDInput) (*itemsOutput, error) {
				items, err := fn(ctx, input.TabID)
				if err != nil {
					return nil, mapErr(err)
				}
				if items == nil {
					items = []actions.Item{}
				}
				out := &itemsOutput{}
				out.Body.Items = items
				return out, nil
			})
	}

	type deleteOutput struct {
		Body struct {
			Results []actions.Result `json:"results"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "delete-page", Method: http.MethodPost, Path: "/api/v1/actions/delete-page", Summary: "Delete a page and its cards", Description: "The page is kept when any card deletion fails.", Tags: []string{"Actions"}},
		func(ctx context.Context, input *struct {
			Body struct {
				TabID  string `json:"tabId,omitempty" required:"false"`
				PageID string `json:"pageId" required:"true"`
			}
		}) (*deleteOutput, error) {
			results, err := svc.DeletePageAndCards(ctx, input.Body.TabID, input.Body.PageID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &deleteOutput{}
			out.Body.Results = results
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "update-owner", Method: http.MethodPost, Path: "/api/v1/actions/update-owner", Summary: "Change the owner of an object", Tags: []string{"Actions"}},
		func(ctx context.Context, input *struct {
			Body struct {
				TabID  string     `json:"tabId,omitempty" required:"false"`
				Object objectBody `json:"object"`
				UserID string     `json:"userId" required:"true"`
			}
		}) (*statusOutput, error) {
			if err := svc.UpdateOwner(ctx, input.Body.TabID, input.Body.Object.serialized(), input.Body.UserID); err != nil {
				return nil, mapErr(err)
			}
			return okStatus(), nil
		})

	type activityLogOutput struct {
		Body actions.ActivityLogHandoff
	}
	huma.Register(api, huma.Operation{OperationID: "open-activity-log", Method: http.MethodPost, Path: "/api/v1/actions/activity-log", Summary: "Build the activity log link for an object", Tags: []string{"Actions"}},
		func(ctx context.Context, input *struct {
			Body struct {
				TabID  string      `json:"tabId,omitempty" required:"false"`
				Object *objectBody `json:"object,omitempty" required:"false" doc:"Defaults to the object shown in the tab"`
			}
		}) (*activityLogOutput, error) {
			var obj *object.Serialized
			if input.Body.Object != nil {
				s := input.Body.Object.serialized()
				obj = &s
			}
			h, err := svc.OpenActivityLog(ctx, input.Body.TabID, obj)
			if err != nil {
				return nil, mapErr(err)
			}
			return &activityLogOutput{Body: h}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "handoff", Method: http.MethodPost, Path: "/api/v1/actions/handoff", Summary: "Store a payload for the side panel", Tags: []string{"Actions"}},
		func(ctx context.Context, input *struct {
			Body actions.SidepanelPayload
		}) (*statusOutput, error) {
			if err := svc.Handoff(ctx, input.Body); err != nil {
				return nil, mapErr(err)
			}
			return okStatus(), nil
		})
}
