package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/domo_companion/internal/clipboard"
	"github.com/dgnsrekt/domo_companion/internal/object"
)

func registerClipboardHandlers(api huma.API, svc Service) {
	type clipboardOutput struct {
		Body clipboard.Update
	}
	huma.Register(api, huma.Operation{OperationID: "get-clipboard", Method: http.MethodGet, Path: "/api/v1/clipboard", Summary: "Last observed clipboard value", Tags: []string{"Clipboard"}},
		func(ctx context.Context, input *struct{}) (*clipboardOutput, error) {
			u, err := svc.GetClipboard(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &clipboardOutput{Body: u}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "copy-clipboard", Method: http.MethodPost, Path: "/api/v1/clipboard/copy", Summary: "Copy an object id or plain text", Tags: []string{"Clipboard"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Object *objectBody `json:"object,omitempty" required:"false" doc:"Object whose id is copied"`
				Text   string      `json:"text,omitempty" required:"false" doc:"Plain text, used when object is absent"`
			}
		}) (*clipboardOutput, error) {
			var obj *object.Serialized
			if input.Body.Object != nil {
				s := input.Body.Object.serialized()
				obj = &s
			}
			u, err := svc.CopyToClipboard(ctx, obj, input.Body.Text)
			if err != nil {
				return nil, mapErr(err)
			}
			return &clipboardOutput{Body: u}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "resolve-clipboard", Method: http.MethodPost, Path: "/api/v1/clipboard/resolve", Summary: "Resolve the clipboard value to an object", Tags: []string{"Clipboard"}},
		func(ctx context.Context, input *struct {
			Body struct {
				TabID string `json:"tabId,omitempty" required:"false" doc:"CDP target id; defaults to the first tenant tab"`
			}
		}) (*objectOutput, error) {
			v, err := svc.ResolveClipboard(ctx, input.Body.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &objectOutput{Body: v}, nil
		})
}
