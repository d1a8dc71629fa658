package plugins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openloom/plugin-server/pkg/db/models"
	"github.com/openloom/plugin-server/pkg/logger"
)

// Log buffer limits. Entries past maxBufferedLogs are counted and dropped;
// ingestion must not stall on a chatty plugin.
const (
	maxBufferedLogs = 2000
	logFlushBatch   = 200
)

// logInserter is the flush target for buffered entries.
type logInserter interface {
	InsertLogEntries(ctx context.Context, entries []models.PluginLogEntry) error
}

// LogWriter buffers plugin log rows in memory and flushes them in batches,
// either through the flushQueuedWrites task or on teardown.
type LogWriter struct {
	repo logInserter
	logg *logger.Logger

	mu      sync.Mutex
	buffer  []models.PluginLogEntry
	dropped int
}

// NewLogWriter creates the shared log buffer.
func NewLogWriter(repo logInserter, logg *logger.Logger) *LogWriter {
	return &LogWriter{repo: repo, logg: logg}
}

// Append queues one entry; ids are assigned here so retried flushes stay
// idempotent.
func (w *LogWriter) Append(entry models.PluginLogEntry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buffer) >= maxBufferedLogs {
		w.dropped++
		return
	}
	w.buffer = append(w.buffer, entry)
}

// Flush writes every buffered entry. A failed batch goes back on the buffer.
func (w *LogWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	pending := w.buffer
	w.buffer = nil
	dropped := w.dropped
	w.dropped = 0
	w.mu.Unlock()

	if dropped > 0 && w.logg != nil {
		w.logg.Warn(w.logg.WithField(ctx, "dropped", dropped), "plugin log entries dropped over buffer limit")
	}

	for start := 0; start < len(pending); start += logFlushBatch {
		end := start + logFlushBatch
		if end > len(pending) {
			end = len(pending)
		}
		if err := w.repo.InsertLogEntries(ctx, pending[start:end]); err != nil {
			w.mu.Lock()
			w.buffer = append(pending[start:], w.buffer...)
			w.mu.Unlock()
			return fmt.Errorf("flushing plugin log entries: %w", err)
		}
	}
	return nil
}

// Depth reports the number of buffered entries.
func (w *LogWriter) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}
