package tabcontext

import (
	"log/slog"
	"time"
)

type journalRecord struct {
	Time     time.Time `json:"time"`
	Event    string    `json:"event"`
	TabID    string    `json:"tab_id"`
	URL      string    `json:"url"`
	Tenant   string    `json:"tenant,omitempty"`
	TypeID   string    `json:"type_id,omitempty"`
	ObjectID string    `json:"object_id,omitempty"`
	Name     string    `json:"name,omitempty"`
	Epoch    uint64    `json:"epoch"`
}

func (c *Cache) journal(tc TabContext, event string) {
	if c.opts.Journal == nil {
		return
	}
	rec := journalRecord{
		Time:   time.Now().UTC(),
		Event:  event,
		TabID:  tc.TabID,
		URL:    tc.URL,
		Tenant: tc.Tenant,
		Epoch:  tc.Epoch,
	}
	if ov := tc.ObjectValue; ov != nil {
		rec.TypeID = ov.TypeID
		rec.ObjectID = ov.ID
		if ov.Metadata != nil {
			rec.Name = ov.Metadata.Name
		}
	}
	if err := c.opts.Journal.Write(rec); err != nil {
		slog.Debug("tab context journal write failed", "tab_id", tc.TabID, "error", err)
	}
}
