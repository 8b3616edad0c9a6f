package inpage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	CodeValidation      = "VALIDATION"
	CodeNotOnHost       = "NOT_ON_HOST"
	CodeNoTab           = "NO_TAB"
	CodeExecutionFailed = "EXECUTION_FAILED"
	CodeEvalTimeout     = "EVAL_TIMEOUT"
	CodeCDPUnavailable  = "CDP_UNAVAILABLE"
	CodeHTTPStatus      = "HTTP_STATUS"
)

// CodedError is a typed error used for stable API mapping. Status is set
// only for CodeHTTPStatus.
type CodedError struct {
	Code    string
	Message string
	Status  int
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}

// Tab describes a page target in the attached browser.
type Tab struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Request is a call against the host's /api root.
type Request struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Body   string `json:"body,omitempty"`
}

// Response is the decoded result of a Request. Body is JSON; non-JSON
// payloads are carried as a JSON string.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Fetcher issues authenticated requests from inside a host tab.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// PageFragments are DOM excerpts used to refine URL detection.
type PageFragments struct {
	Modal      string `json:"modal,omitempty"`
	Breadcrumb string `json:"breadcrumb,omitempty"`
}

// Logo identifies the tenant's current logo.
type Logo struct {
	ID string `json:"id"`
}
