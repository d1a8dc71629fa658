package event

import "time"

// timestampLayouts are tried in order when parsing client timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ResolveTimestamp reconstructs the event time. Order of preference is
// skew-corrected client timestamp → verbatim timestamp → offset from now →
// now. A timestamp that fails to parse falls through to the next rule.
func ResolveTimestamp(timestamp, sentAt string, offsetMS int64, now time.Time) time.Time {
	if timestamp != "" && sentAt != "" {
		ts, tsErr := parseTimestamp(timestamp)
		sent, sentErr := parseTimestamp(sentAt)
		if tsErr == nil && sentErr == nil {
			// now + (timestamp - sent_at): corrects client clock skew while
			// keeping the client-frame delta.
			return now.Add(ts.Sub(sent)).UTC()
		}
	}
	if timestamp != "" {
		if ts, err := parseTimestamp(timestamp); err == nil {
			return ts.UTC()
		}
	}
	if offsetMS > 0 {
		return now.Add(-time.Duration(offsetMS) * time.Millisecond).UTC()
	}
	return now.UTC()
}

func parseTimestamp(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		ts, err := time.Parse(layout, value)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// ParseNow reads the envelope's ingestion time, falling back to wall clock
// when absent or malformed.
func ParseNow(value string) time.Time {
	if value == "" {
		return time.Now().UTC()
	}
	ts, err := parseTimestamp(value)
	if err != nil {
		return time.Now().UTC()
	}
	return ts.UTC()
}
