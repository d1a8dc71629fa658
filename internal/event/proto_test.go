package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestFrameRoundTrip(t *testing.T) {
	id := uuid.MustParse("0194e7a8-3f8c-7000-8000-7f4a9c1d2e3b")
	processed := &ProcessedEvent{
		UUID:          id,
		Event:         "$pageview",
		TeamID:        42,
		DistinctID:    "user-1",
		Properties:    map[string]any{"$browser": "Firefox"},
		Timestamp:     time.Date(2025, 2, 1, 9, 0, 0, 123456000, time.UTC),
		ElementsChain: `a.btn:attr_id="cta"`,
		CreatedAt:     time.Date(2025, 2, 1, 9, 0, 1, 0, time.UTC),
	}

	framed, err := Frame(processed)
	if err != nil {
		t.Fatalf("frame failed: %v", err)
	}
	decoded, err := DecodeFrame(framed)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.UUID != id.String() {
		t.Fatalf("uuid mismatch: %s", decoded.UUID)
	}
	if decoded.Event != "$pageview" {
		t.Fatalf("event mismatch: %s", decoded.Event)
	}
	if decoded.TeamID != 42 {
		t.Fatalf("team mismatch: %d", decoded.TeamID)
	}
	if decoded.DistinctID != "user-1" {
		t.Fatalf("distinct id mismatch: %s", decoded.DistinctID)
	}
	if decoded.Timestamp != "2025-02-01 09:00:00.123456" {
		t.Fatalf("timestamp format mismatch: %s", decoded.Timestamp)
	}
	if decoded.Properties != `{"$browser":"Firefox"}` {
		t.Fatalf("properties mismatch: %s", decoded.Properties)
	}
	if decoded.ElementsChain != `a.btn:attr_id="cta"` {
		t.Fatalf("elements chain mismatch: %s", decoded.ElementsChain)
	}
}

func TestFrameIsDeterministic(t *testing.T) {
	processed := &ProcessedEvent{
		UUID:       uuid.MustParse("0194e7a8-3f8c-7000-8000-7f4a9c1d2e3b"),
		Event:      "signup",
		TeamID:     1,
		DistinctID: "u",
		Properties: map[string]any{"k": "v"},
		Timestamp:  time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC),
		CreatedAt:  time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC),
	}
	a, err := Frame(processed)
	if err != nil {
		t.Fatalf("frame failed: %v", err)
	}
	b, err := Frame(processed)
	if err != nil {
		t.Fatalf("frame failed: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("framing not deterministic")
	}
}
