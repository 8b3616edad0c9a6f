package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/domo_companion/internal/object"
)

// objectInTabInput carries an object and the tab whose session resolves it.
// An empty tabId picks the first open tenant tab.
type objectInTabInput struct {
	Body struct {
		TabID  string     `json:"tabId,omitempty" required:"false" doc:"CDP target id; defaults to the first tenant tab"`
		Object objectBody `json:"object"`
	}
}

func registerObjectHandlers(api huma.API, svc Service) {
	type detectURLOutput struct {
		Body struct {
			Detected bool               `json:"detected"`
			Object   *object.Serialized `json:"object,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "detect-url", Method: http.MethodPost, Path: "/api/v1/detect/url", Summary: "Detect the object a page URL shows", Tags: []string{"Detection"}},
		func(ctx context.Context, input *struct {
			Body struct {
				URL string `json:"url" required:"true" minLength:"1"`
			}
		}) (*detectURLOutput, error) {
			v, err := svc.DetectURL(ctx, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &detectURLOutput{}
			out.Body.Detected = v != nil
			out.Body.Object = v
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "detect-id", Method: http.MethodPost, Path: "/api/v1/detect/id", Summary: "Find the type of a bare identifier", Tags: []string{"Detection"}},
		func(ctx context.Context, input *struct {
			Body struct {
				TabID string `json:"tabId,omitempty" required:"false" doc:"CDP target id; defaults to the first tenant tab"`
				ID    string `json:"id" required:"true"`
			}
		}) (*objectOutput, error) {
			v, err := svc.DetectID(ctx, input.Body.TabID, input.Body.ID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &objectOutput{Body: v}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "object-parent", Method: http.MethodPost, Path: "/api/v1/objects/parent", Summary: "Resolve the parent of an object", Tags: []string{"Objects"}},
		func(ctx context.Context, input *objectInTabInput) (*objectOutput, error) {
			v, err := svc.GetParent(ctx, input.Body.TabID, input.Body.Object.serialized())
			if err != nil {
				return nil, mapErr(err)
			}
			return &objectOutput{Body: v}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "object-enrich", Method: http.MethodPost, Path: "/api/v1/objects/enrich", Summary: "Fetch name and details of an object", Tags: []string{"Objects"}},
		func(ctx context.Context, input *objectInTabInput) (*objectOutput, error) {
			v, err := svc.EnrichObject(ctx, input.Body.TabID, input.Body.Object.serialized())
			if err != nil {
				return nil, mapErr(err)
			}
			return &objectOutput{Body: v}, nil
		})

	type objectURLOutput struct {
		Body struct {
			URL    string            `json:"url"`
			Object object.Serialized `json:"object"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "object-url", Method: http.MethodPost, Path: "/api/v1/objects/url", Summary: "Build the navigation URL of an object", Tags: []string{"Objects"}},
		func(ctx context.Context, input *objectInTabInput) (*objectURLOutput, error) {
			u, v, err := svc.ObjectURL(ctx, input.Body.TabID, input.Body.Object.serialized())
			if err != nil {
				return nil, mapErr(err)
			}
			out := &objectURLOutput{}
			out.Body.URL = u
			out.Body.Object = v
			return out, nil
		})
}
