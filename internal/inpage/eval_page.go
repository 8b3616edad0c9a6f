package inpage

import (
	"context"
	"encoding/base64"
	"encoding/json"
)

// The open card modal is the first [role="dialog"] holding a [data-card-id]
// element. The drill breadcrumb is the list enclosing [data-drill-id] items.
const jsPageFragmentsFunc = `function() {
  var modal = "";
  var dialogs = document.querySelectorAll('[role="dialog"]');
  for (var i = 0; i < dialogs.length; i++) {
    if (dialogs[i].querySelector("[data-card-id]")) { modal = dialogs[i].outerHTML; break; }
  }
  var breadcrumb = "";
  var item = document.querySelector("[data-drill-id]");
  if (item) {
    var list = item.closest("nav, ol, ul") || item.parentElement;
    breadcrumb = list ? list.outerHTML : "";
  }
  return {modal: modal, breadcrumb: breadcrumb};
}`

const jsBase64Helper = `
function _b64(buf) {
  var bytes = new Uint8Array(buf);
  var bin = "";
  for (var i = 0; i < bytes.length; i += 0x8000) {
    bin += String.fromCharCode.apply(null, bytes.subarray(i, i + 0x8000));
  }
  return btoa(bin);
}
`

const jsCurrentFaviconFunc = `async function() {` + jsBase64Helper + `
  var link = document.querySelector('link[rel="companion-original-icon"]') || document.querySelector('link[rel~="icon"]:not([data-companion])');
  var href = link && link.href ? link.href : "/favicon.ico";
  var resp = await fetch(href, {credentials: "include"});
  if (!resp.ok) throw new Error("favicon HTTP " + resp.status);
  return {contentType: resp.headers.get("content-type") || "", data: _b64(await resp.arrayBuffer())};
}`

const jsApplyFaviconFunc = `function(dataURL) {
  var links = document.querySelectorAll('link[rel~="icon"]');
  for (var i = 0; i < links.length; i++) {
    if (links[i].hasAttribute("data-companion")) links[i].remove();
    else links[i].setAttribute("rel", "companion-original-icon");
  }
  var link = document.createElement("link");
  link.rel = "icon";
  link.type = "image/png";
  link.href = dataURL;
  link.setAttribute("data-companion", "1");
  document.head.appendChild(link);
  return true;
}`

const jsLogoIDFunc = `async function(path) {
  var resp = await fetch("/api" + path, {method: "HEAD", credentials: "include"});
  if (!resp.ok) throw new Error("logo HTTP " + resp.status);
  return resp.headers.get("etag") || resp.headers.get("last-modified") || resp.headers.get("content-length") || "";
}`

const jsLogoBytesFunc = `async function(path) {` + jsBase64Helper + `
  var resp = await fetch("/api" + path, {credentials: "include"});
  if (!resp.ok) throw new Error("logo HTTP " + resp.status);
  return {contentType: resp.headers.get("content-type") || "", data: _b64(await resp.arrayBuffer())};
}`

const logoPath = "/content/v1/avatar/CUSTOMER/logo?size=64"

type encodedBytes struct {
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

func (c *Client) PageFragments(ctx context.Context, tabID string) (PageFragments, error) {
	var out PageFragments
	if err := c.executeInto(ctx, tabID, &out, jsPageFragmentsFunc); err != nil {
		return PageFragments{}, err
	}
	return out, nil
}

// CurrentFavicon returns the bytes of the page's own favicon.
func (c *Client) CurrentFavicon(ctx context.Context, tabID string) ([]byte, error) {
	return c.fetchBytes(ctx, tabID, jsCurrentFaviconFunc)
}

// ApplyFavicon replaces the page favicon with png.
func (c *Client) ApplyFavicon(ctx context.Context, tabID string, png []byte) error {
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	_, err := c.ExecuteInPage(ctx, tabID, jsApplyFaviconFunc, dataURL)
	return err
}

// LogoID returns an identity token for the tenant logo that changes when
// the logo does.
func (c *Client) LogoID(ctx context.Context, tabID string) (string, error) {
	var id string
	if err := c.executeInto(ctx, tabID, &id, jsLogoIDFunc, logoPath); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) LogoBytes(ctx context.Context, tabID string) ([]byte, error) {
	return c.fetchBytes(ctx, tabID, jsLogoBytesFunc, logoPath)
}

func (c *Client) fetchBytes(ctx context.Context, tabID, fn string, args ...any) ([]byte, error) {
	var enc encodedBytes
	if err := c.executeInto(ctx, tabID, &enc, fn, args...); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(enc.Data)
	if err != nil {
		return nil, newError(CodeExecutionFailed, "invalid base64 payload", err)
	}
	return data, nil
}

func (c *Client) executeInto(ctx context.Context, tabID string, out any, fn string, args ...any) error {
	raw, err := c.ExecuteInPage(ctx, tabID, fn, args...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return newError(CodeExecutionFailed, "invalid evaluation data", err)
	}
	return nil
}
