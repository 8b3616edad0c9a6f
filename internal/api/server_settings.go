package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func registerSettingHandlers(api huma.API, svc Service) {
	type settingOutput struct {
		Body struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-setting", Method: http.MethodGet, Path: "/api/v1/settings/{key}", Summary: "Read a stored setting", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct {
			Key string `path:"key"`
		}) (*settingOutput, error) {
			v, err := svc.GetSetting(ctx, input.Key)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &settingOutput{}
			out.Body.Key = input.Key
			out.Body.Value = v
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "put-setting", Method: http.MethodPut, Path: "/api/v1/settings/{key}", Summary: "Write a setting", Description: "Only user-writable keys are accepted.", Tags: []string{"Settings"}},
		func(ctx context.Context, input *struct {
			Key  string `path:"key"`
			Body struct {
				Value json.RawMessage `json:"value" required:"true"`
			}
		}) (*settingOutput, error) {
			if err := svc.PutSetting(ctx, input.Key, input.Body.Value); err != nil {
				return nil, mapErr(err)
			}
			v, err := svc.GetSetting(ctx, input.Key)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &settingOutput{}
			out.Body.Key = input.Key
			out.Body.Value = v
			return out, nil
		})
}
