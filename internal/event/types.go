package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Well-known event names the pipeline gives special treatment.
const (
	NameIdentify    = "$identify"
	NameCreateAlias = "$create_alias"
	NameSnapshot    = "$snapshot"
)

var (
	ErrMissingUUID       = errors.New("event is missing a valid uuid")
	ErrMissingTeam       = errors.New("event is missing a team id")
	ErrMissingEventName  = errors.New("event name is empty")
	ErrMissingDistinctID = errors.New("event is missing a distinct id")
)

// RawMessage is the ingestion handoff envelope as it arrives on the broker.
// `data` carries the captured event verbatim.
type RawMessage struct {
	DistinctID string          `json:"distinct_id"`
	IP         string          `json:"ip"`
	SiteURL    string          `json:"site_url"`
	Data       json.RawMessage `json:"data"`
	TeamID     int             `json:"team_id"`
	Now        string          `json:"now"`
	SentAt     string          `json:"sent_at"`
	UUID       string          `json:"uuid"`
}

// captured is the client-supplied event nested inside the envelope.
type captured struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	Timestamp  string         `json:"timestamp"`
	Offset     int64          `json:"offset"`
	DistinctID any            `json:"distinct_id"`
	Set        map[string]any `json:"$set"`
	SetOnce    map[string]any `json:"$set_once"`
}

// PluginEvent is the unit the pipeline carries: the captured event flattened
// against its envelope. This is also the JSON shape handed to plugins.
type PluginEvent struct {
	DistinctID string         `json:"distinct_id"`
	IP         string         `json:"ip,omitempty"`
	SiteURL    string         `json:"site_url,omitempty"`
	TeamID     int            `json:"team_id"`
	Now        string         `json:"now"`
	SentAt     string         `json:"sent_at,omitempty"`
	UUID       string         `json:"uuid"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
}

// ProcessedEvent is the normalized result of the pipeline, ready to publish.
type ProcessedEvent struct {
	UUID          uuid.UUID
	Event         string
	TeamID        int
	DistinctID    string
	Properties    map[string]any
	Timestamp     time.Time
	ElementsChain string
	CreatedAt     time.Time
}

// SnapshotEvent is the session-recording payload published as JSON.
type SnapshotEvent struct {
	UUID         string    `json:"uuid"`
	TeamID       int       `json:"team_id"`
	DistinctID   string    `json:"distinct_id"`
	SessionID    string    `json:"session_id"`
	SnapshotData any       `json:"snapshot_data"`
	Timestamp    time.Time `json:"timestamp"`
	CreatedAt    time.Time `json:"created_at"`
}

// ParseRaw validates an envelope and flattens it into a PluginEvent.
// Malformed uuid, missing team, missing event name or missing distinct id all
// reject the message; the consumer drops it and records the reason.
func ParseRaw(raw []byte) (*PluginEvent, error) {
	var msg RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return msg.Flatten()
}

// Flatten validates the envelope and merges the nested captured event.
func (m *RawMessage) Flatten() (*PluginEvent, error) {
	if _, err := uuid.Parse(m.UUID); err != nil {
		return nil, ErrMissingUUID
	}
	if m.TeamID == 0 {
		return nil, ErrMissingTeam
	}
	if len(bytes.TrimSpace(m.Data)) == 0 {
		return nil, ErrMissingEventName
	}

	var data captured
	if err := json.Unmarshal(m.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding event data: %w", err)
	}
	if data.Event == "" {
		return nil, ErrMissingEventName
	}

	distinctID := m.DistinctID
	if distinctID == "" {
		distinctID = stringify(data.DistinctID)
	}
	if distinctID == "" {
		return nil, ErrMissingDistinctID
	}

	props := data.Properties
	if props == nil {
		props = map[string]any{}
	}
	// Top-level $set/$set_once win over copies inside properties.
	if data.Set != nil {
		props["$set"] = data.Set
	}
	if data.SetOnce != nil {
		props["$set_once"] = data.SetOnce
	}
	if data.Timestamp != "" {
		props["$timestamp"] = data.Timestamp
	}
	if data.Offset != 0 {
		props["$offset"] = data.Offset
	}

	return &PluginEvent{
		DistinctID: distinctID,
		IP:         m.IP,
		SiteURL:    m.SiteURL,
		TeamID:     m.TeamID,
		Now:        m.Now,
		SentAt:     m.SentAt,
		UUID:       m.UUID,
		Event:      data.Event,
		Properties: props,
	}, nil
}

// Clone deep-copies the event one level down so a plugin mutating properties
// cannot leak changes into another pipeline run.
func (e *PluginEvent) Clone() *PluginEvent {
	cp := *e
	cp.Properties = make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		cp.Properties[k] = v
	}
	return &cp
}

// TimestampFields pulls the raw timestamp inputs off the event for resolution.
func (e *PluginEvent) TimestampFields() (timestamp string, offsetMS int64) {
	if ts, ok := e.Properties["$timestamp"].(string); ok {
		timestamp = ts
	}
	switch v := e.Properties["$offset"].(type) {
	case int64:
		offsetMS = v
	case float64:
		offsetMS = int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			offsetMS = n
		}
	}
	return timestamp, offsetMS
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}
