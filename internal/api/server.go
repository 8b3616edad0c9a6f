package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/domo_companion/internal/actions"
	"github.com/dgnsrekt/domo_companion/internal/clipboard"
	"github.com/dgnsrekt/domo_companion/internal/controller"
	"github.com/dgnsrekt/domo_companion/internal/detect"
	"github.com/dgnsrekt/domo_companion/internal/events"
	"github.com/dgnsrekt/domo_companion/internal/favicon"
	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/object"
	"github.com/dgnsrekt/domo_companion/internal/objecttype"
	"github.com/dgnsrekt/domo_companion/internal/store"
	"github.com/dgnsrekt/domo_companion/internal/tabcontext"
)

type Service interface {
	ListTypes(ctx context.Context) []objecttype.Descriptor
	GetType(ctx context.Context, typeID string) (objecttype.Descriptor, error)
	ListTabContexts(ctx context.Context) []tabcontext.TabContext
	GetTabContext(ctx context.Context, tabID string) (tabcontext.TabContext, error)
	RefreshTab(ctx context.Context, tabID string) (tabcontext.TabContext, error)
	WaitTabField(ctx context.Context, tabID, field string, timeout time.Duration) ([]actions.Item, error)
	DetectURL(ctx context.Context, rawURL string) (*object.Serialized, error)
	DetectID(ctx context.Context, tabID, id string) (object.Serialized, error)
	GetParent(ctx context.Context, tabID string, obj object.Serialized) (object.Serialized, error)
	EnrichObject(ctx context.Context, tabID string, obj object.Serialized) (object.Serialized, error)
	ObjectURL(ctx context.Context, tabID string, obj object.Serialized) (string, object.Serialized, error)
	GetClipboard(ctx context.Context) (clipboard.Update, error)
	CopyToClipboard(ctx context.Context, obj *object.Serialized, text string) (clipboard.Update, error)
	ResolveClipboard(ctx context.Context, tabID string) (object.Serialized, error)
	FaviconRules(ctx context.Context) ([]favicon.Rule, error)
	SaveFaviconRules(ctx context.Context, rules []favicon.Rule) error
	ClearFaviconCache(ctx context.Context) (int, error)
	MatchFavicon(ctx context.Context, rawURL string) (favicon.Decision, error)
	ApplyFavicon(ctx context.Context, tabID string) (favicon.Applied, error)
	GetSetting(ctx context.Context, key string) (json.RawMessage, error)
	PutSetting(ctx context.Context, key string, value json.RawMessage) error
	ListChildPages(ctx context.Context, tabID string) ([]actions.Item, error)
	ListCards(ctx context.Context, tabID string) ([]actions.Item, error)
	ListDatasets(ctx context.Context, tabID string) ([]actions.Item, error)
	DeletePageAndCards(ctx context.Context, tabID, pageID string) ([]actions.Result, error)
	UpdateOwner(ctx context.Context, tabID string, obj object.Serialized, userID string) error
	OpenActivityLog(ctx context.Context, tabID string, obj *object.Serialized) (actions.ActivityLogHandoff, error)
	Handoff(ctx context.Context, p actions.SidepanelPayload) error
}

type tabIDInput struct {
	TabID string `path:"tab_id" doc:"CDP target id of the tab"`
}

// objectBody is the serialized object form accepted in request bodies.
// Extra fields such as typeName and url are ignored.
type objectBody struct {
	_           struct{}         `additionalProperties:"true"`
	ID          string           `json:"id" required:"true" minLength:"1"`
	TypeID      string           `json:"typeId" required:"true" minLength:"1"`
	BaseURL     string           `json:"baseUrl" required:"true" minLength:"1"`
	ParentID    string           `json:"parentId,omitempty" required:"false"`
	OriginalURL string           `json:"originalUrl,omitempty" required:"false"`
	Metadata    *object.Metadata `json:"metadata,omitempty" required:"false"`
}

func (b objectBody) serialized() object.Serialized {
	return object.Serialized{
		ID:          b.ID,
		TypeID:      b.TypeID,
		BaseURL:     b.BaseURL,
		ParentID:    b.ParentID,
		OriginalURL: b.OriginalURL,
		Metadata:    b.Metadata,
	}
}

type objectOutput struct {
	Body object.Serialized
}

type itemsOutput struct {
	Body struct {
		Items []actions.Item `json:"items"`
	}
}

type statusOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func okStatus() *statusOutput {
	out := &statusOutput{}
	out.Body.Status = "ok"
	return out
}

// NewServer mounts the REST API, the event stream and the docs page.
func NewServer(svc Service, broker *events.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Domo Companion API", "1.0.0")
	cfg.DocsPath = ""
	cfg.Info.Description = apiDescription
	api := humachi.New(router, cfg)

	eventsPath := ""
	if broker != nil {
		eventsPath = "/api/v1/events"
		router.Get(eventsPath, events.SSEHandler(broker))
	}
	router.Get("/docs", docsHandler(api, eventsPath))

	registerHealthHandlers(api)
	registerTypeHandlers(api, svc)
	registerTabHandlers(api, svc)
	registerObjectHandlers(api, svc)
	registerClipboardHandlers(api, svc)
	registerFaviconHandlers(api, svc)
	registerSettingHandlers(api, svc)
	registerActionHandlers(api, svc)
	return router
}

func registerHealthHandlers(api huma.API) {
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/healthz", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return okStatus(), nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *inpage.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case inpage.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case inpage.CodeNoTab:
			return huma.Error404NotFound(coded.Message)
		case inpage.CodeNotOnHost:
			return huma.Error409Conflict("Please open a page in the target product first")
		case inpage.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case inpage.CodeCDPUnavailable, inpage.CodeExecutionFailed:
			return huma.Error502BadGateway(coded.Message)
		case inpage.CodeHTTPStatus:
			return huma.Error502BadGateway(fmt.Sprintf("upstream returned %d: %s", coded.Status, coded.Message))
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}

	var undetectable *detect.UndetectableTypeError
	if errors.As(err, &undetectable) {
		return huma.Error404NotFound("Could not determine object type: " + undetectable.ID)
	}

	switch {
	case errors.Is(err, detect.ErrInvalidID):
		return huma.Error400BadRequest("Clipboard does not contain a valid identifier")
	case errors.Is(err, detect.ErrUndetectableType):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, objecttype.ErrUnknownType),
		errors.Is(err, object.ErrEmptyID),
		errors.Is(err, tabcontext.ErrUnknownField),
		errors.Is(err, actions.ErrInvalidUser):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, tabcontext.ErrNoContext),
		errors.Is(err, controller.ErrNoObject),
		errors.Is(err, controller.ErrUnknownSetting),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, favicon.ErrNoRule),
		errors.Is(err, object.ErrNoParent):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, object.ErrParentUnsupported),
		errors.Is(err, actions.ErrUnsupported),
		errors.Is(err, actions.ErrNoTenant),
		errors.Is(err, favicon.ErrNotTenant),
		errors.Is(err, objecttype.ErrNotNavigable),
		errors.Is(err, objecttype.ErrParentRequired),
		errors.Is(err, objecttype.ErrNoAPI):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, object.ErrParentLookupFailed):
		return huma.Error502BadGateway(err.Error())
	case errors.Is(err, tabcontext.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
