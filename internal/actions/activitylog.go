package actions

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/dgnsrekt/domo_companion/internal/object"
	"github.com/dgnsrekt/domo_companion/internal/store"
)

// ActivityLogConfig maps activity-log filter columns for one tenant. Zero
// fields fall back to DefaultActivityLogConfig.
type ActivityLogConfig struct {
	ObjectIDColumn   string            `json:"objectIdColumn,omitempty"`
	ObjectTypeColumn string            `json:"objectTypeColumn,omitempty"`
	TypeNames        map[string]string `json:"typeNames,omitempty"`
}

var DefaultActivityLogConfig = ActivityLogConfig{
	ObjectIDColumn:   "objectId",
	ObjectTypeColumn: "objectType",
	TypeNames: map[string]string{
		"DATA_SOURCE":   "DATASET",
		"DATAFLOW_TYPE": "DATAFLOW",
		"DATA_APP":      "DATA_APP",
		"DATA_APP_VIEW": "PAGE",
	},
}

func (c ActivityLogConfig) withDefaults() ActivityLogConfig {
	if c.ObjectIDColumn == "" {
		c.ObjectIDColumn = DefaultActivityLogConfig.ObjectIDColumn
	}
	if c.ObjectTypeColumn == "" {
		c.ObjectTypeColumn = DefaultActivityLogConfig.ObjectTypeColumn
	}
	names := make(map[string]string, len(DefaultActivityLogConfig.TypeNames)+len(c.TypeNames))
	for k, v := range DefaultActivityLogConfig.TypeNames {
		names[k] = v
	}
	for k, v := range c.TypeNames {
		names[k] = v
	}
	c.TypeNames = names
	return c
}

func (c ActivityLogConfig) typeName(typeID string) string {
	if n, ok := c.TypeNames[typeID]; ok && n != "" {
		return n
	}
	return typeID
}

// ActivityLogURL builds the activity-log link filtered to v.
func ActivityLogURL(v *object.Value, cfg ActivityLogConfig) (string, error) {
	if v.BaseURL() == "" {
		return "", errors.New("activity log: object has no tenant base url")
	}
	cfg = cfg.withDefaults()
	q := url.Values{}
	q.Set(cfg.ObjectIDColumn, v.ID())
	q.Set(cfg.ObjectTypeColumn, cfg.typeName(v.TypeID()))
	return v.BaseURL() + "/admin/logging?" + q.Encode(), nil
}

// ActivityLogHandoff is the session payload read by the activity-log view.
type ActivityLogHandoff struct {
	Tenant     string            `json:"tenant"`
	URL        string            `json:"url"`
	Object     object.Serialized `json:"object"`
	ObjectType string            `json:"objectType"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// LoadActivityLogConfig returns the tenant's column mapping, or the default
// when none is stored.
func LoadActivityLogConfig(ctx context.Context, st *store.Store, tenant string) (ActivityLogConfig, error) {
	var all map[string]ActivityLogConfig
	err := st.GetJSON(ctx, store.Sync, store.KeyActivityLogConfigs, &all)
	if errors.Is(err, store.ErrNotFound) {
		return DefaultActivityLogConfig.withDefaults(), nil
	}
	if err != nil {
		return ActivityLogConfig{}, err
	}
	return all[tenant].withDefaults(), nil
}

// SaveActivityLogConfig stores the column mapping for one tenant.
func SaveActivityLogConfig(ctx context.Context, st *store.Store, tenant string, cfg ActivityLogConfig) error {
	all := map[string]ActivityLogConfig{}
	if err := st.GetJSON(ctx, store.Sync, store.KeyActivityLogConfigs, &all); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	all[tenant] = cfg
	return st.SetJSON(ctx, store.Sync, store.KeyActivityLogConfigs, all)
}

// ErrNoTenant is returned for objects that do not belong to a tenant.
var ErrNoTenant = errors.New("activity log: object has no tenant")

// OpenActivityLog builds the filtered link for v and leaves the handoff
// payload in session storage. tenant selects the column mapping.
func OpenActivityLog(ctx context.Context, st *store.Store, tenant string, v *object.Value) (ActivityLogHandoff, error) {
	if tenant == "" {
		return ActivityLogHandoff{}, ErrNoTenant
	}
	cfg, err := LoadActivityLogConfig(ctx, st, tenant)
	if err != nil {
		return ActivityLogHandoff{}, err
	}
	link, err := ActivityLogURL(v, cfg)
	if err != nil {
		return ActivityLogHandoff{}, err
	}
	h := ActivityLogHandoff{
		Tenant:     tenant,
		URL:        link,
		Object:     v.Serialize(),
		ObjectType: cfg.typeName(v.TypeID()),
		CreatedAt:  time.Now().UTC(),
	}
	if err := st.SetJSON(ctx, store.Session, store.KeyActivityLogHandoff, h); err != nil {
		return ActivityLogHandoff{}, fmt.Errorf("activity log handoff: %w", err)
	}
	return h, nil
}

// SidepanelPayload hands a view transition from one surface to another.
type SidepanelPayload struct {
	Type           string             `json:"type"`
	Title          string             `json:"title,omitempty"`
	CurrentContext *object.Serialized `json:"currentContext,omitempty"`
	Items          []Item             `json:"items,omitempty"`
}

// Handoff stores p for the next surface to pick up.
func Handoff(ctx context.Context, st *store.Store, p SidepanelPayload) error {
	if strings.TrimSpace(p.Type) == "" {
		return errors.New("handoff: empty type")
	}
	return st.SetJSON(ctx, store.Session, store.KeySidepanelDataList, p)
}

// PendingHandoff returns the stored payload, or ErrNotFound.
func PendingHandoff(ctx context.Context, st *store.Store) (SidepanelPayload, error) {
	var p SidepanelPayload
	err := st.GetJSON(ctx, store.Session, store.KeySidepanelDataList, &p)
	return p, err
}
