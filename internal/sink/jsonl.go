package sink

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/procwatch/internal/probe"
	"go.uber.org/zap"
)

// JSONLWriter appends one JSON object per record. It implements
// base.LocalConsumer.
type JSONLWriter struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	logger *zap.Logger
	now    func() time.Time

	written atomic.Uint64
	failed  atomic.Uint64
}

// OpenJSONL opens path for appending, creating it if needed.
func OpenJSONL(path string, logger *zap.Logger) (*JSONLWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log %s: %w", path, err)
	}
	w := NewJSONLWriter(f, logger)
	w.closer = f
	return w, nil
}

// NewJSONLWriter writes to w. The caller keeps ownership of w.
func NewJSONLWriter(w io.Writer, logger *zap.Logger) *JSONLWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONLWriter{
		w:      bufio.NewWriter(w),
		logger: logger,
		now:    time.Now,
	}
}

// ConsumeRecord writes rec as one line and flushes it.
func (j *JSONLWriter) ConsumeRecord(_ context.Context, rec probe.Record) error {
	line, err := json.Marshal(NewEvent(rec, j.now()))
	if err != nil {
		j.failed.Add(1)
		return fmt.Errorf("failed to encode record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.w.Write(append(line, '\n')); err != nil {
		j.failed.Add(1)
		return fmt.Errorf("failed to write event log: %w", err)
	}
	if err := j.w.Flush(); err != nil {
		j.failed.Add(1)
		return fmt.Errorf("failed to flush event log: %w", err)
	}
	j.written.Add(1)
	return nil
}

func (j *JSONLWriter) Priority() int { return 50 }

func (j *JSONLWriter) Name() string { return "jsonl" }

func (j *JSONLWriter) ShouldConsume(probe.Record) bool { return true }

// Written returns the number of lines written.
func (j *JSONLWriter) Written() uint64 { return j.written.Load() }

// Failed returns the number of records that could not be written.
func (j *JSONLWriter) Failed() uint64 { return j.failed.Load() }

// Close flushes and closes the file opened by OpenJSONL.
func (j *JSONLWriter) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.w.Flush()
	if j.closer != nil {
		if cerr := j.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
		j.closer = nil
	}
	j.logger.Debug("Event log closed", zap.Uint64("written", j.written.Load()))
	return err
}

// ReadEvents parses a JSON lines event log. Blank lines are skipped.
func ReadEvents(r io.Reader) ([]Event, error) {
	var events []Event

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return events, nil
}

// ReadKills returns the kill events of a JSON lines event log, in file order.
func ReadKills(r io.Reader) ([]Event, error) {
	events, err := ReadEvents(r)
	if err != nil {
		return nil, err
	}
	kills := events[:0]
	for _, ev := range events {
		if ev.IsKill() {
			kills = append(kills, ev)
		}
	}
	return kills, nil
}
