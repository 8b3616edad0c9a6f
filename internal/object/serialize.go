package object

import (
	"github.com/dgnsrekt/domo_companion/internal/objecttype"
)

// SerializedType is informational; Deserialize resolves the descriptor by
// TypeID.
type SerializedType struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	URLPath string   `json:"urlPath,omitempty"`
	Parents []string `json:"parents,omitempty"`
}

// Serialized is the plain record form of a Value.
type Serialized struct {
	ID          string         `json:"id"`
	BaseURL     string         `json:"baseUrl"`
	TypeID      string         `json:"typeId"`
	TypeName    string         `json:"typeName"`
	URL         string         `json:"url,omitempty"`
	OriginalURL string         `json:"originalUrl,omitempty"`
	ParentID    string         `json:"parentId,omitempty"`
	Metadata    *Metadata      `json:"metadata,omitempty"`
	ObjectType  SerializedType `json:"objectType"`
}

func (v *Value) Serialize() Serialized {
	s := Serialized{
		ID:          v.id,
		BaseURL:     v.baseURL,
		TypeID:      v.desc.ID,
		TypeName:    v.desc.DisplayName,
		URL:         v.url,
		OriginalURL: v.sourceURL,
		ParentID:    v.parentID,
		ObjectType: SerializedType{
			ID:      v.desc.ID,
			Name:    v.desc.DisplayName,
			URLPath: v.desc.URLTemplate,
			Parents: append([]string(nil), v.desc.Parents...),
		},
	}
	if !v.meta.empty() {
		m := v.meta.clone()
		s.Metadata = &m
	}
	return s
}

// Deserialize rebuilds a Value from its record, looking the type up in reg.
func Deserialize(reg *objecttype.Registry, s Serialized) (*Value, error) {
	opts := []Option{WithSourceURL(s.OriginalURL), WithParentID(s.ParentID)}
	if s.Metadata != nil {
		opts = append(opts, WithMetadata(*s.Metadata))
	}
	v, err := New(reg, s.TypeID, s.ID, s.BaseURL, opts...)
	if err != nil {
		return nil, err
	}
	if v.url == "" && s.URL != "" {
		v.url = s.URL
	}
	return v, nil
}
