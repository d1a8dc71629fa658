package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/openloom/plugin-server/internal/event"
	"github.com/openloom/plugin-server/internal/persons"
	"github.com/openloom/plugin-server/pkg/db/models"
	"github.com/openloom/plugin-server/pkg/logger"
	"github.com/openloom/plugin-server/pkg/metrics"
)

// Drop reasons surfaced on the pipeline metrics.
const (
	dropUnknownTeam        = "unknown_team"
	dropRecordingNotOptIn  = "recording_not_opted_in"
	dropMalformedSnapshot  = "malformed_snapshot"
	dropPluginReturnedNull = "plugin_returned_null"
	dropInvalidEnvelope    = "invalid_envelope"
)

// eventPublisher is the slice of the buffered producer the processor needs.
type eventPublisher interface {
	Queue(topic string, key, value []byte) error
}

// geoLocator resolves client addresses to coarse location properties.
type geoLocator interface {
	Lookup(ip net.IP) (map[string]any, error)
}

// Topics names the downstream destinations.
type Topics struct {
	Events           string
	SessionRecording string
}

// ProcessorParams configures NewProcessor.
type ProcessorParams struct {
	Teams    *TeamManager
	Persons  *persons.Service
	Elements *ElementsStore
	Producer eventPublisher
	Topics   Topics

	// GeoIP is optional; without it events carry no $geoip_* properties.
	GeoIP geoLocator

	Logg    *logger.Logger
	Metrics *metrics.PipelineMetrics
}

// Processor normalizes events after the plugin chain: it resolves identity,
// coerces the timestamp, persists element chains and publishes downstream.
type Processor struct {
	teams    *TeamManager
	persons  *persons.Service
	elements *ElementsStore
	producer eventPublisher
	topics   Topics
	geoip    geoLocator
	logg     *logger.Logger
	metrics  *metrics.PipelineMetrics
}

// NewProcessor validates its collaborators and builds the processor.
func NewProcessor(params ProcessorParams) (*Processor, error) {
	if params.Teams == nil {
		return nil, errors.New("team manager is required")
	}
	if params.Persons == nil {
		return nil, errors.New("persons service is required")
	}
	if params.Producer == nil {
		return nil, errors.New("producer is required")
	}
	if params.Topics.Events == "" {
		return nil, errors.New("events topic is required")
	}
	if params.Logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Processor{
		teams:    params.Teams,
		persons:  params.Persons,
		elements: params.Elements,
		producer: params.Producer,
		topics:   params.Topics,
		geoip:    params.GeoIP,
		logg:     params.Logg,
		metrics:  params.Metrics,
	}, nil
}

// Process runs the post-plugin pipeline for one event. A nil return with no
// error means the event was dropped deliberately (unknown team, recording not
// opted in); the offset still commits.
func (p *Processor) Process(ctx context.Context, ev *event.PluginEvent) (*event.ProcessedEvent, error) {
	ctx = p.logg.WithTeam(p.logg.WithDistinctID(ctx, ev.DistinctID), ev.TeamID)
	start := time.Now()

	team, err := p.teams.Fetch(ctx, ev.TeamID)
	if err != nil {
		return nil, fmt.Errorf("fetching team %d: %w", ev.TeamID, err)
	}
	if team == nil {
		p.metrics.IncDropped(dropUnknownTeam)
		p.logg.Warn(ctx, "dropping event for unknown team")
		return nil, nil
	}

	now := event.ParseNow(ev.Now)
	tsField, offsetMS := ev.TimestampFields()
	ts := event.ResolveTimestamp(tsField, ev.SentAt, offsetMS, now)

	if ev.Event == event.NameSnapshot {
		if err := p.publishSnapshot(ctx, team, ev, ts); err != nil {
			return nil, err
		}
		p.metrics.ObserveStep("snapshot", time.Since(start))
		return nil, nil
	}

	if err := p.persons.HandleEvent(ctx, ev, ts); err != nil {
		return nil, fmt.Errorf("handling identity: %w", err)
	}

	properties := make(map[string]any, len(ev.Properties))
	for k, v := range ev.Properties {
		properties[k] = v
	}
	delete(properties, "$elements")
	if ev.IP != "" && !team.AnonymizeIPs {
		properties["$ip"] = ev.IP
		p.locate(ctx, ev.IP, properties)
	}

	chain, err := p.storeElements(ctx, ev)
	if err != nil {
		return nil, err
	}

	if err := p.teams.RecordEvent(ctx, team, ev.Event, properties); err != nil {
		// Cache updates are best effort; the event still publishes.
		p.logg.Error(ctx, "updating team event caches", err)
	}

	id, err := uuid.Parse(ev.UUID)
	if err != nil {
		return nil, fmt.Errorf("parsing event uuid: %w", err)
	}
	processed := &event.ProcessedEvent{
		UUID:          id,
		Event:         ev.Event,
		TeamID:        ev.TeamID,
		DistinctID:    ev.DistinctID,
		Properties:    properties,
		Timestamp:     ts,
		ElementsChain: chain,
		CreatedAt:     now,
	}

	framed, err := event.Frame(processed)
	if err != nil {
		return nil, fmt.Errorf("framing event: %w", err)
	}
	if err := p.producer.Queue(p.topics.Events, []byte(processed.UUID.String()), framed); err != nil {
		return nil, fmt.Errorf("queueing event: %w", err)
	}

	p.metrics.IncProduced(p.topics.Events)
	p.metrics.IncProcessed("ok")
	p.metrics.MarkEvent(ts)
	p.metrics.ObserveStep("process", time.Since(start))
	return processed, nil
}

func (p *Processor) publishSnapshot(ctx context.Context, team *models.Team, ev *event.PluginEvent, ts time.Time) error {
	if !team.SessionRecordingOptIn {
		p.metrics.IncDropped(dropRecordingNotOptIn)
		return nil
	}
	sessionID, _ := ev.Properties["$session_id"].(string)
	data, ok := ev.Properties["$snapshot_data"]
	if !ok {
		p.metrics.IncDropped(dropMalformedSnapshot)
		p.logg.Warn(ctx, "snapshot event without $snapshot_data")
		return nil
	}

	snapshot := event.SnapshotEvent{
		UUID:         ev.UUID,
		TeamID:       ev.TeamID,
		DistinctID:   ev.DistinctID,
		SessionID:    sessionID,
		SnapshotData: data,
		Timestamp:    ts,
		CreatedAt:    event.ParseNow(ev.Now),
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := p.producer.Queue(p.topics.SessionRecording, []byte(ev.UUID), payload); err != nil {
		return fmt.Errorf("queueing snapshot: %w", err)
	}
	p.metrics.IncProduced(p.topics.SessionRecording)
	p.metrics.IncProcessed("snapshot")
	return nil
}

// locate merges $geoip_* properties for the client address. Lookup failures
// are logged; the event publishes without location either way.
func (p *Processor) locate(ctx context.Context, rawIP string, properties map[string]any) {
	if p.geoip == nil {
		return
	}
	ip := net.ParseIP(rawIP)
	if ip == nil {
		return
	}
	props, err := p.geoip.Lookup(ip)
	if err != nil {
		p.logg.Error(ctx, "resolving event location", err)
		return
	}
	for k, v := range props {
		properties[k] = v
	}
}

func (p *Processor) storeElements(ctx context.Context, ev *event.PluginEvent) (string, error) {
	elements := event.ExtractElements(ev.Properties)
	if len(elements) == 0 {
		return "", nil
	}
	if p.elements != nil {
		if _, err := p.elements.EnsureGroup(ctx, ev.TeamID, elements); err != nil {
			return "", fmt.Errorf("storing element group: %w", err)
		}
	}
	return event.ChainString(elements), nil
}
