package inpage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"context canceled",
	"target closed",
	"session closed",
	"no session with given id",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
}

type tabSession struct {
	info      Tab
	mu        sync.Mutex
	sessionID string
}

// Client executes functions inside host tabs of an attached Chromium.
type Client struct {
	cdpURL      string
	hostSuffix  string
	evalTimeout time.Duration

	mu    sync.Mutex
	cdp   *rawCDP
	tabs  map[target.ID]*tabSession
	order []target.ID
}

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func NewClient(cdpURL, hostSuffix string, evalTimeout time.Duration) *Client {
	if evalTimeout <= 0 {
		evalTimeout = 10 * time.Second
	}
	return &Client{
		cdpURL:      cdpURL,
		hostSuffix:  strings.ToLower(strings.TrimSpace(hostSuffix)),
		evalTimeout: evalTimeout,
		tabs:        make(map[target.ID]*tabSession),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("inpage connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	c.cdp = newRawCDP(c.cdpURL)
	if err := c.cdp.connect(ctx); err != nil {
		c.cdp = nil
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}
	if err := c.syncTabsLocked(ctx); err != nil {
		slog.Error("inpage initial tab sync failed", "error", err)
		c.cleanupLocked()
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	slog.Info("inpage connect ok", "cdp_url", c.cdpURL, "tabs", len(c.tabs))
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	if c.cdp != nil {
		for _, session := range c.tabs {
			session.mu.Lock()
			if session.sessionID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = c.cdp.detachFromTarget(ctx, session.sessionID)
				cancel()
				session.sessionID = ""
			}
			session.mu.Unlock()
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.tabs = make(map[target.ID]*tabSession)
	c.order = nil
}

// OnHost reports whether rawURL is served from the host domain.
func (c *Client) OnHost(rawURL string) bool {
	return OnHost(rawURL, c.hostSuffix)
}

// OnHost reports whether rawURL's hostname ends in suffix (".domo.com") or
// equals the bare domain.
func OnHost(rawURL, suffix string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	suffix = strings.ToLower(suffix)
	if suffix == "" {
		return true
	}
	return strings.HasSuffix(host, suffix) || host == strings.TrimPrefix(suffix, ".")
}

// ListTabs returns page targets in browser order.
func (c *Client) ListTabs(ctx context.Context) ([]Tab, error) {
	if err := c.refreshTabs(ctx); err != nil {
		slog.Warn("inpage list tabs failed", "error", err)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tab, 0, len(c.order))
	for _, id := range c.order {
		if s := c.tabs[id]; s != nil {
			out = append(out, s.info)
		}
	}
	return out, nil
}

// ActiveTab returns the most recently focused page target. /json/list
// reports targets in activation order.
func (c *Client) ActiveTab(ctx context.Context) (Tab, error) {
	tabs, err := c.ListTabs(ctx)
	if err != nil {
		return Tab{}, err
	}
	if len(tabs) == 0 {
		return Tab{}, newError(CodeNoTab, "no active tab", nil)
	}
	return tabs[0], nil
}

// ExecuteInPage runs fn (JavaScript function source) with args in the main
// world of tabID, or of the active tab when tabID is empty, and returns the
// function's JSON-encoded result. fn must be self-contained.
func (c *Client) ExecuteInPage(ctx context.Context, tabID, fn string, args ...any) (json.RawMessage, error) {
	js, err := buildCall(fn, args)
	if err != nil {
		return nil, err
	}
	return c.evalOnTab(ctx, tabID, js)
}

// ExecuteInAllFrames runs fn in the main world of every frame of the tab
// and returns the non-null results. Array results are flattened.
func (c *Client) ExecuteInAllFrames(ctx context.Context, tabID, fn string, args ...any) ([]json.RawMessage, error) {
	js, err := buildCall(fn, args)
	if err != nil {
		return nil, err
	}
	session, info, err := c.resolveTab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	cdp, sessionID, err := c.sessionFor(ctx, session, info.ID)
	if err != nil {
		return nil, err
	}

	contexts, err := cdp.frameContexts(ctx, sessionID)
	if err != nil {
		return nil, newError(CodeExecutionFailed, "list frame contexts failed", err)
	}

	var out []json.RawMessage
	for _, ec := range contexts {
		evalCtx, cancel := context.WithTimeout(ctx, c.evalTimeout)
		raw, evalErr := cdp.evaluate(evalCtx, sessionID, ec.ID, js)
		cancel()
		if evalErr != nil {
			slog.Debug("inpage frame eval failed", "tab_id", info.ID, "frame_id", ec.FrameID, "error", evalErr)
			continue
		}
		data, envErr := decodeEnvelope(raw)
		if envErr != nil {
			slog.Debug("inpage frame eval rejected", "tab_id", info.ID, "frame_id", ec.FrameID, "error", envErr)
			continue
		}
		out = appendFlattened(out, data)
	}
	slog.Debug("inpage eval all frames", "tab_id", info.ID, "frames", len(contexts), "results", len(out))
	return out, nil
}

// Fetch issues req with the page's credentials. Responses with status >= 400
// are returned as CodeHTTPStatus errors.
func (c *Client) Fetch(ctx context.Context, tabID string, req Request) (Response, error) {
	if strings.TrimSpace(req.Path) == "" {
		return Response{}, newError(CodeValidation, "request path is required", nil)
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = "GET"
	}

	raw, err := c.ExecuteInPage(ctx, tabID, jsFetchFunc, req.Path, method, req.Body)
	if err != nil {
		return Response{}, err
	}
	var out struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, newError(CodeExecutionFailed, "invalid fetch result", err)
	}

	resp := Response{Status: out.Status, Body: bodyJSON(out.Body)}
	slog.Debug("inpage fetch", "tab_id", tabID, "method", method, "path", req.Path, "status", out.Status)
	if out.Status >= 400 {
		return resp, &CodedError{
			Code:    CodeHTTPStatus,
			Message: method + " " + req.Path + " returned " + httpStatusText(out.Status),
			Status:  out.Status,
		}
	}
	return resp, nil
}

// ForTab binds Fetch to a tab. An empty tabID follows the active tab.
func (c *Client) ForTab(tabID string) Fetcher {
	return FetcherFunc(func(ctx context.Context, req Request) (Response, error) {
		return c.Fetch(ctx, tabID, req)
	})
}

func (c *Client) evalOnTab(ctx context.Context, tabID, js string) (json.RawMessage, error) {
	out, err := c.evalOnTabOnce(ctx, tabID, js)
	if err == nil || !c.shouldRetry(err) {
		return out, err
	}

	slog.Warn("inpage eval retry after transient failure", "tab_id", tabID, "error", err)
	if HasCode(err, CodeCDPUnavailable) {
		if recErr := c.reconnect(ctx); recErr != nil {
			slog.Error("inpage reconnect failed during retry", "tab_id", tabID, "error", recErr)
			return nil, recErr
		}
	}
	return c.evalOnTabOnce(ctx, tabID, js)
}

func (c *Client) evalOnTabOnce(ctx context.Context, tabID, js string) (json.RawMessage, error) {
	session, info, err := c.resolveTab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	cdp, sessionID, err := c.sessionFor(ctx, session, info.ID)
	if err != nil {
		return nil, err
	}

	evalCtx, evalCancel := context.WithTimeout(ctx, c.evalTimeout)
	defer evalCancel()

	raw, err := cdp.evaluate(evalCtx, sessionID, 0, js)
	if err != nil {
		slog.Warn("inpage eval failed", "tab_id", info.ID, "error", err)
		session.mu.Lock()
		session.sessionID = ""
		session.mu.Unlock()

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return nil, newError(CodeEvalTimeout, "evaluation timed out", err)
		}
		return nil, newError(CodeExecutionFailed, "evaluation failed", err)
	}
	return decodeEnvelope(raw)
}

// resolveTab finds the session for tabID (or the active tab) and enforces
// the host check.
func (c *Client) resolveTab(ctx context.Context, tabID string) (*tabSession, Tab, error) {
	if err := c.refreshTabs(ctx); err != nil {
		return nil, Tab{}, err
	}
	return c.pickTab(tabID)
}

func (c *Client) pickTab(tabID string) (*tabSession, Tab, error) {
	tabID = strings.TrimSpace(tabID)

	c.mu.Lock()
	var session *tabSession
	if tabID == "" {
		if len(c.order) > 0 {
			session = c.tabs[c.order[0]]
		}
	} else {
		session = c.tabs[target.ID(tabID)]
	}
	var info Tab
	if session != nil {
		info = session.info
	}
	c.mu.Unlock()

	if session == nil {
		if tabID == "" {
			return nil, Tab{}, newError(CodeNoTab, "no active tab", nil)
		}
		return nil, Tab{}, newError(CodeNoTab, "tab not found: "+tabID, nil)
	}
	if !c.OnHost(info.URL) {
		return nil, Tab{}, newError(CodeNotOnHost, "tab is not on the host: "+info.URL, nil)
	}
	return session, info, nil
}

func (c *Client) sessionFor(ctx context.Context, session *tabSession, targetID string) (*rawCDP, string, error) {
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return nil, "", newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.sessionID != "" {
		return cdp, session.sessionID, nil
	}
	sid, err := cdp.attachToTarget(ctx, targetID)
	if err != nil {
		return nil, "", newError(CodeCDPUnavailable, "attach to target failed", err)
	}
	session.sessionID = sid
	slog.Debug("inpage session attached", "target_id", targetID, "session_id", sid)
	return cdp, sid, nil
}

func (c *Client) refreshTabs(ctx context.Context) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	err := c.syncTabsLocked(ctx)
	c.mu.Unlock()
	if err == nil {
		return nil
	}
	return newError(CodeCDPUnavailable, "failed to list targets", err)
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.cdp != nil && c.cdp.connected()
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.reconnect(ctx)
}

func (c *Client) syncTabsLocked(ctx context.Context) error {
	if c.cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	targets, err := c.cdp.listTargets(ctx)
	if err != nil {
		return err
	}

	order := make([]target.ID, 0, len(targets))
	seen := make(map[target.ID]bool, len(targets))
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		info := Tab{ID: string(t.TargetID), URL: t.URL, Title: t.Title}
		if s := c.tabs[t.TargetID]; s != nil {
			s.info = info
		} else {
			c.tabs[t.TargetID] = &tabSession{info: info}
		}
		order = append(order, t.TargetID)
		seen[t.TargetID] = true
	}
	for id := range c.tabs {
		if !seen[id] {
			delete(c.tabs, id)
		}
	}
	c.order = order

	slog.Debug("inpage tab sync", "targets", len(targets), "pages", len(order))
	return nil
}

func (c *Client) shouldRetry(err error) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}

	switch coded.Code {
	case CodeCDPUnavailable:
		return true
	case CodeExecutionFailed:
		if coded.Cause == nil {
			return false
		}
		cause := strings.ToLower(coded.Cause.Error())
		for _, hint := range transientHints {
			if strings.Contains(cause, hint) {
				return true
			}
		}
	}
	return false
}

func decodeEnvelope(raw string) (json.RawMessage, error) {
	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, newError(CodeExecutionFailed, "invalid evaluation envelope", err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == "" {
			code = CodeExecutionFailed
		}
		return nil, newError(code, env.ErrorMessage, nil)
	}
	if len(env.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return env.Data, nil
}

func appendFlattened(out []json.RawMessage, data json.RawMessage) []json.RawMessage {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return out
	}
	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if json.Unmarshal(data, &items) == nil {
			for _, it := range items {
				if s := strings.TrimSpace(string(it)); s != "" && s != "null" {
					out = append(out, it)
				}
			}
			return out
		}
	}
	return append(out, data)
}

func bodyJSON(text string) json.RawMessage {
	if strings.TrimSpace(text) == "" {
		return json.RawMessage("null")
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	b, _ := json.Marshal(text)
	return b
}
