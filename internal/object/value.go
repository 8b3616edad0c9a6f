// Package object models "the entity <type, id> at tenant <baseURL>" along
// with the display metadata gathered for it.
package object

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgnsrekt/domo_companion/internal/inpage"
	"github.com/dgnsrekt/domo_companion/internal/objecttype"
)

var ErrEmptyID = errors.New("object id is required")

// TypeRef names an object type without carrying its descriptor.
type TypeRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type ParentMetadata struct {
	ID      string          `json:"id"`
	Type    TypeRef         `json:"type"`
	Name    string          `json:"name,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

type Metadata struct {
	Name    string          `json:"name,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
	Parent  *ParentMetadata `json:"parent,omitempty"`
}

func (m Metadata) empty() bool {
	return m.Name == "" && len(m.Details) == 0 && m.Parent == nil
}

func (m Metadata) clone() Metadata {
	out := Metadata{Name: m.Name, Details: cloneRaw(m.Details)}
	if m.Parent != nil {
		p := *m.Parent
		p.Details = cloneRaw(m.Parent.Details)
		out.Parent = &p
	}
	return out
}

// Value is an immutable object reference. Builders return modified copies.
type Value struct {
	reg       *objecttype.Registry
	desc      objecttype.Descriptor
	id        string
	baseURL   string
	url       string
	sourceURL string
	parentID  string
	meta      Metadata
}

type Option func(*Value)

func WithMetadata(m Metadata) Option {
	return func(v *Value) { v.meta = m.clone() }
}

// WithSourceURL records the URL the object was detected from.
func WithSourceURL(u string) Option {
	return func(v *Value) { v.sourceURL = strings.TrimSpace(u) }
}

func WithParentID(id string) Option {
	return func(v *Value) { v.parentID = strings.TrimSpace(id) }
}

// New builds a Value. The URL is computed eagerly when the type is
// navigable and either needs no parent or the parent id was supplied.
func New(reg *objecttype.Registry, typeID, id, baseURL string, opts ...Option) (*Value, error) {
	desc, err := reg.Get(typeID)
	if err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrEmptyID
	}

	v := &Value{
		reg:     reg,
		desc:    desc,
		id:      id,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.computeURL()
	return v, nil
}

func (v *Value) computeURL() {
	if !v.desc.HasURL() || v.baseURL == "" {
		return
	}
	if v.desc.RequiresParentForURL() && v.parentID == "" {
		return
	}
	if u, err := v.desc.BuildURL(v.baseURL, v.id, v.parentID); err == nil {
		v.url = u
	}
}

func (v *Value) clone() *Value {
	out := *v
	out.meta = v.meta.clone()
	return &out
}

func (v *Value) Type() objecttype.Descriptor { return v.desc }
func (v *Value) TypeID() string              { return v.desc.ID }
func (v *Value) ID() string                  { return v.id }
func (v *Value) BaseURL() string             { return v.baseURL }

// URL is the tenant-absolute URL, or "" until a required parent is known.
func (v *Value) URL() string       { return v.url }
func (v *Value) SourceURL() string { return v.sourceURL }
func (v *Value) ParentID() string  { return v.parentID }
func (v *Value) Name() string      { return v.meta.Name }

func (v *Value) Metadata() Metadata { return v.meta.clone() }

func (v *Value) HasDetails() bool { return len(v.meta.Details) > 0 }

func (v *Value) Ref() TypeRef {
	return TypeRef{ID: v.desc.ID, DisplayName: v.desc.DisplayName}
}

func (v *Value) String() string {
	return fmt.Sprintf("%s:%s@%s", v.desc.ID, v.id, v.baseURL)
}

// WithDetails returns a copy carrying name and details.
func (v *Value) WithDetails(name string, details json.RawMessage) *Value {
	out := v.clone()
	out.meta.Name = name
	out.meta.Details = cloneRaw(details)
	return out
}

// WithParent returns a copy with the parent id (and optional metadata) set
// and the URL recomputed.
func (v *Value) WithParent(parentID string, parent *ParentMetadata) *Value {
	out := v.clone()
	out.parentID = strings.TrimSpace(parentID)
	if parent != nil {
		p := *parent
		p.Details = cloneRaw(parent.Details)
		out.meta.Parent = &p
	}
	out.url = ""
	out.computeURL()
	return out
}

// DetailRequest is the api call that enriches this object.
func (v *Value) DetailRequest() (inpage.Request, error) {
	req, err := v.desc.DetailRequest(v.id, v.parentID)
	if err != nil {
		return inpage.Request{}, err
	}
	return toInpage(req), nil
}

// FetchDetails issues the type's detail request and returns a copy carrying
// the name and details. deleted reports a payload marked as deleted.
func (v *Value) FetchDetails(ctx context.Context, f inpage.Fetcher) (out *Value, deleted bool, err error) {
	req, err := v.DetailRequest()
	if err != nil {
		return nil, false, err
	}
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		return nil, false, err
	}
	body := []byte(resp.Body)
	return v.WithDetails(v.desc.ExtractName(body), v.desc.ExtractDetails(body)), v.desc.IsDeleted(body), nil
}

func toInpage(req objecttype.Request) inpage.Request {
	return inpage.Request{Method: req.Method, Path: req.Path, Body: req.Body}
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
