package event

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers for the framed event. These are frozen: downstream
// consumers of the events topic decode by number.
const (
	fieldUUID          = 1
	fieldEvent         = 2
	fieldProperties    = 3
	fieldTimestamp     = 4
	fieldTeamID        = 5
	fieldDistinctID    = 6
	fieldCreatedAt     = 7
	fieldElementsChain = 8
)

// wireTimeLayout matches the DateTime64 text format the warehouse ingests.
const wireTimeLayout = "2006-01-02 15:04:05.000000"

// Frame serializes a processed event into its stable binary framing.
func Frame(e *ProcessedEvent) ([]byte, error) {
	props, err := json.Marshal(e.Properties)
	if err != nil {
		return nil, fmt.Errorf("marshaling properties: %w", err)
	}

	var buf []byte
	buf = appendStringField(buf, fieldUUID, e.UUID.String())
	buf = appendStringField(buf, fieldEvent, e.Event)
	buf = appendStringField(buf, fieldProperties, string(props))
	buf = appendStringField(buf, fieldTimestamp, e.Timestamp.UTC().Format(wireTimeLayout))
	buf = protowire.AppendTag(buf, fieldTeamID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.TeamID))
	buf = appendStringField(buf, fieldDistinctID, e.DistinctID)
	buf = appendStringField(buf, fieldCreatedAt, e.CreatedAt.UTC().Format(wireTimeLayout))
	buf = appendStringField(buf, fieldElementsChain, e.ElementsChain)
	return buf, nil
}

func appendStringField(buf []byte, num protowire.Number, value string) []byte {
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, value)
}

// FramedEvent is the decoded form of a framed message.
type FramedEvent struct {
	UUID          string
	Event         string
	Properties    string
	Timestamp     string
	TeamID        uint64
	DistinctID    string
	CreatedAt     string
	ElementsChain string
}

// DecodeFrame parses a framed event back into its fields.
func DecodeFrame(data []byte) (*FramedEvent, error) {
	var out FramedEvent
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			value, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			switch num {
			case fieldUUID:
				out.UUID = value
			case fieldEvent:
				out.Event = value
			case fieldProperties:
				out.Properties = value
			case fieldTimestamp:
				out.Timestamp = value
			case fieldDistinctID:
				out.DistinctID = value
			case fieldCreatedAt:
				out.CreatedAt = value
			case fieldElementsChain:
				out.ElementsChain = value
			}
		case protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
			if num == fieldTeamID {
				out.TeamID = value
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return &out, nil
}

// WireTime formats a timestamp the way Frame does; exported for tests and
// the snapshot publisher.
func WireTime(ts time.Time) string {
	return ts.UTC().Format(wireTimeLayout)
}
