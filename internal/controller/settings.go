package controller

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dgnsrekt/domo_companion/internal/actions"
	"github.com/dgnsrekt/domo_companion/internal/favicon"
	"github.com/dgnsrekt/domo_companion/internal/store"
)

type setting struct {
	partition store.Partition
	writable  bool
	// text values are stored as plain bytes rather than JSON.
	text bool
}

var settings = map[string]setting{
	store.KeyThemePreference:      {partition: store.Sync, writable: true},
	store.KeyDefaultDomoInstance:  {partition: store.Sync, writable: true},
	store.KeyVisitedDomoInstances: {partition: store.Sync},
	store.KeyFaviconRules:         {partition: store.Sync, writable: true},
	store.KeyActivityLogConfigs:   {partition: store.Sync, writable: true},
	store.KeyLastClipboardValue:   {partition: store.Session, text: true},
	store.KeyLastClipboardObject:  {partition: store.Session},
	store.KeySidepanelDataList:    {partition: store.Session, writable: true},
	store.KeyActivityLogHandoff:   {partition: store.Session},
}

func (s *Service) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	key = strings.TrimSpace(key)
	def, ok := settings[key]
	if !ok {
		return nil, ErrUnknownSetting
	}
	switch key {
	case store.KeyVisitedDomoInstances:
		visited, err := s.st.VisitedInstances(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(visited)
	case store.KeyFaviconRules:
		rules, err := s.icons.Rules(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rules)
	}
	raw, err := s.st.Get(ctx, def.partition, key)
	if err != nil {
		return nil, err
	}
	return rawJSON(raw, def.text), nil
}

// PutSetting stores value under key. Keys with their own operations are
// routed through them so their side effects still happen.
func (s *Service) PutSetting(ctx context.Context, key string, value json.RawMessage) error {
	key = strings.TrimSpace(key)
	def, ok := settings[key]
	if !ok {
		return ErrUnknownSetting
	}
	if !def.writable {
		return validation(key + " is read-only")
	}
	if !json.Valid(value) {
		return validation("value must be JSON")
	}

	switch key {
	case store.KeyFaviconRules:
		var rules []favicon.Rule
		if err := json.Unmarshal(value, &rules); err != nil {
			return validation("faviconRules must be a list of rules: " + err.Error())
		}
		return s.SaveFaviconRules(ctx, rules)
	case store.KeySidepanelDataList:
		var p actions.SidepanelPayload
		if err := json.Unmarshal(value, &p); err != nil {
			return validation("sidepanelDataList must be an object: " + err.Error())
		}
		return s.Handoff(ctx, p)
	case store.KeyActivityLogConfigs:
		var cfgs map[string]actions.ActivityLogConfig
		if err := json.Unmarshal(value, &cfgs); err != nil {
			return validation("activityLogConfigs must map tenants to configs: " + err.Error())
		}
		return s.st.SetJSON(ctx, def.partition, key, cfgs)
	case store.KeyDefaultDomoInstance:
		var tenant string
		if err := json.Unmarshal(value, &tenant); err != nil || strings.TrimSpace(tenant) == "" {
			return validation("defaultDomoInstance must be a tenant name")
		}
		return s.st.SetJSON(ctx, def.partition, key, strings.ToLower(strings.TrimSpace(tenant)))
	}
	return s.st.Set(ctx, def.partition, key, value)
}
