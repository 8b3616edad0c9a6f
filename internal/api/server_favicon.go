package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/domo_companion/internal/favicon"
)

type faviconRulesBody struct {
	Rules []favicon.Rule `json:"rules"`
}

func registerFaviconHandlers(api huma.API, svc Service) {
	type rulesOutput struct {
		Body faviconRulesBody
	}
	huma.Register(api, huma.Operation{OperationID: "get-favicon-rules", Method: http.MethodGet, Path: "/api/v1/favicon/rules", Summary: "List favicon rules in match order", Tags: []string{"Favicon"}},
		func(ctx context.Context, input *struct{}) (*rulesOutput, error) {
			rules, err := svc.FaviconRules(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			if rules == nil {
				rules = []favicon.Rule{}
			}
			return &rulesOutput{Body: faviconRulesBody{Rules: rules}}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "put-favicon-rules", Method: http.MethodPut, Path: "/api/v1/favicon/rules", Summary: "Replace favicon rules", Description: "Saving clears every cached icon.", Tags: []string{"Favicon"}},
		func(ctx context.Context, input *struct {
			Body faviconRulesBody
		}) (*rulesOutput, error) {
			if err := svc.SaveFaviconRules(ctx, input.Body.Rules); err != nil {
				return nil, mapErr(err)
			}
			return &rulesOutput{Body: input.Body}, nil
		})

	type clearOutput struct {
		Body struct {
			Removed int `json:"removed"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "clear-favicon-cache", Method: http.MethodDelete, Path: "/api/v1/favicon/cache", Summary: "Drop cached icons", Tags: []string{"Favicon"}},
		func(ctx context.Context, input *struct{}) (*clearOutput, error) {
			n, err := svc.ClearFaviconCache(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &clearOutput{}
			out.Body.Removed = n
			return out, nil
		})

	type decisionOutput struct {
		Body favicon.Decision
	}
	huma.Register(api, huma.Operation{OperationID: "match-favicon", Method: http.MethodPost, Path: "/api/v1/favicon/match", Summary: "Show which rule a URL gets", Tags: []string{"Favicon"}},
		func(ctx context.Context, input *struct {
			Body struct {
				URL string `json:"url" required:"true"`
			}
		}) (*decisionOutput, error) {
			d, err := svc.MatchFavicon(ctx, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			return &decisionOutput{Body: d}, nil
		})

	type appliedOutput struct {
		Body favicon.Applied
	}
	huma.Register(api, huma.Operation{OperationID: "apply-favicon", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/favicon", Summary: "Apply the matching favicon to a tab", Tags: []string{"Favicon"}},
		func(ctx context.Context, input *tabIDInput) (*appliedOutput, error) {
			a, err := svc.ApplyFavicon(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &appliedOutput{Body: a}, nil
		})
}
