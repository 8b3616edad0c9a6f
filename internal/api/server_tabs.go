package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/domo_companion/internal/objecttype"
	"github.com/dgnsrekt/domo_companion/internal/tabcontext"
)

func registerTypeHandlers(api huma.API, svc Service) {
	type listTypesOutput struct {
		Body struct {
			Types []objecttype.Descriptor `json:"types"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-types", Method: http.MethodGet, Path: "/api/v1/types", Summary: "List object types in detection order", Tags: []string{"Types"}},
		func(ctx context.Context, input *struct{}) (*listTypesOutput, error) {
			out := &listTypesOutput{}
			out.Body.Types = svc.ListTypes(ctx)
			return out, nil
		})

	type typeOutput struct {
		Body objecttype.Descriptor
	}
	huma.Register(api, huma.Operation{OperationID: "get-type", Method: http.MethodGet, Path: "/api/v1/types/{type_id}", Summary: "Get one object type", Tags: []string{"Types"}},
		func(ctx context.Context, input *struct {
			TypeID string `path:"type_id"`
		}) (*typeOutput, error) {
			d, err := svc.GetType(ctx, input.TypeID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &typeOutput{Body: d}, nil
		})
}

func registerTabHandlers(api huma.API, svc Service) {
	type listTabsOutput struct {
		Body struct {
			Tabs []tabcontext.TabContext `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List cached tab contexts", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			out := &listTabsOutput{}
			out.Body.Tabs = svc.ListTabContexts(ctx)
			if out.Body.Tabs == nil {
				out.Body.Tabs = []tabcontext.TabContext{}
			}
			return out, nil
		})

	type tabContextOutput struct {
		Body tabcontext.TabContext
	}
	huma.Register(api, huma.Operation{OperationID: "get-tab-context", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/context", Summary: "Get the cached context of a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*tabContextOutput, error) {
			tc, err := svc.GetTabContext(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabContextOutput{Body: tc}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "refresh-tab", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/refresh", Summary: "Rebuild the context of a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*tabContextOutput, error) {
			tc, err := svc.RefreshTab(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &tabContextOutput{Body: tc}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "wait-tab-field", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/context/wait", Summary: "Wait for a lazily loaded context field", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			TabID     string `path:"tab_id"`
			Field     string `query:"field" required:"true" doc:"Context field to wait for: childPages or cards"`
			TimeoutMS int    `query:"timeout_ms" default:"0" minimum:"0" maximum:"60000" doc:"Wait for a published update up to this long. 0 polls with the configured attempts."`
		}) (*itemsOutput, error) {
			items, err := svc.WaitTabField(ctx, input.TabID, input.Field, time.Duration(input.TimeoutMS)*time.Millisecond)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &itemsOutput{}
			out.Body.Items = items
			return out, nil
		})
}
