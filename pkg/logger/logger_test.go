package logger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestContextFieldsPropagate(t *testing.T) {
	var buf bytes.Buffer
	logg := New(Options{ServiceName: "test", Output: &buf})

	ctx := logg.WithTeam(context.Background(), 2)
	ctx = logg.WithField(ctx, "event", "$pageview")
	logg.Info(ctx, "processing")

	line := buf.String()
	if !strings.Contains(line, `"team_id":2`) {
		t.Fatalf("expected team_id field, got %s", line)
	}
	if !strings.Contains(line, `"event":"$pageview"`) {
		t.Fatalf("expected event field, got %s", line)
	}
	if !strings.Contains(line, `"service":"test"`) {
		t.Fatalf("expected service field, got %s", line)
	}
}

func TestErrorIncludesStack(t *testing.T) {
	var buf bytes.Buffer
	logg := New(Options{ServiceName: "test", Output: &buf})

	logg.Error(context.Background(), "boom", errors.New("broken"))

	line := buf.String()
	if !strings.Contains(line, `"error":"broken"`) {
		t.Fatalf("expected error field, got %s", line)
	}
	if !strings.Contains(line, `"stack"`) {
		t.Fatalf("expected stack field, got %s", line)
	}
}

func TestParseLevel(t *testing.T) {
	if got := ParseLevel("debug"); got != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %v", got)
	}
	if got := ParseLevel(""); got != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %v", got)
	}
	if got := ParseLevel("nonsense"); got != zerolog.InfoLevel {
		t.Fatalf("expected info fallback for junk input, got %v", got)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logg := New(Options{ServiceName: "test", Level: zerolog.WarnLevel, Output: &buf})

	logg.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %s", buf.String())
	}

	logg.Warn(context.Background(), "shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn should pass, got %s", buf.String())
	}
}
