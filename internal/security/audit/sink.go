// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultCapacity is the number of events retained in memory.
	DefaultCapacity = 10000

	// DefaultWriterBuffer is the number of lines the async writer holds
	// before it starts dropping the oldest unflushed lines.
	DefaultWriterBuffer = 4096

	// DefaultFlushInterval is how often the async writer drains to disk.
	DefaultFlushInterval = 10 * time.Millisecond
)

// =============================================================================
// RECORDER INTERFACE
// =============================================================================

// Recorder is what components depend on. Record must never block on I/O.
type Recorder interface {
	Record(e Event) Event
}

type discard struct{}

func (discard) Record(e Event) Event { return e }

// Discard drops every event. Used when a component is built without a sink.
var Discard Recorder = discard{}

// =============================================================================
// SINK
// =============================================================================

type entry struct {
	event Event
	line  []byte
}

// Stats reports sink counters.
type Stats struct {
	Retained int    `json:"retained"`
	Capacity int    `json:"capacity"`
	Recorded uint64 `json:"recorded"`
	Evicted  uint64 `json:"evicted"`

	// WriterMissed counts lines the async writer dropped under pressure.
	WriterMissed uint64 `json:"writer_missed"`

	// ArchiveDropped counts events the archive queue could not accept.
	ArchiveDropped uint64 `json:"archive_dropped"`
}

// Sink is the append-only audit store. It is safe for concurrent use.
type Sink struct {
	mu sync.Mutex

	// ring holds retained events; head is the index of the oldest.
	ring     []entry
	head     int
	size     int
	capacity int

	chain     *Chain
	chainKey  []byte
	redactors []Redactor
	now       func() time.Time

	// logPath, when set, is opened for append at construction.
	logPath       string
	writerBuffer  int
	flushInterval time.Duration
	out           io.Writer
	closer        io.Closer

	archive   *Archive
	observers []func(Event)
	logger    zerolog.Logger

	recorded     uint64
	evicted      uint64
	writerMissed atomic.Uint64
	closed       bool
}

// SinkOption is a functional option for configuring Sink.
type SinkOption func(*Sink)

// WithCapacity sets the number of retained events.
func WithCapacity(n int) SinkOption {
	return func(s *Sink) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithLogFile persists events as newline-delimited JSON at path. The chain
// resumes from the last line already in the file.
func WithLogFile(path string) SinkOption {
	return func(s *Sink) {
		s.logPath = path
	}
}

// WithWriter persists events to w through the async writer.
func WithWriter(w io.Writer) SinkOption {
	return func(s *Sink) {
		s.out = w
	}
}

// WithWriterBuffer sets the async writer's line buffer and flush interval.
func WithWriterBuffer(lines int, flush time.Duration) SinkOption {
	return func(s *Sink) {
		if lines > 0 {
			s.writerBuffer = lines
		}
		if flush > 0 {
			s.flushInterval = flush
		}
	}
}

// WithArchive mirrors every event into a SQLite archive.
func WithArchive(a *Archive) SinkOption {
	return func(s *Sink) {
		s.archive = a
	}
}

// WithChainKey switches the chain to HMAC-SHA-256 with key.
func WithChainKey(key []byte) SinkOption {
	return func(s *Sink) {
		s.chainKey = key
	}
}

// WithRedactor adds a detail redactor on top of the defaults.
func WithRedactor(r Redactor) SinkOption {
	return func(s *Sink) {
		s.redactors = append(s.redactors, r)
	}
}

// WithObserver registers a callback run after each event is recorded.
// Observers must be fast; they run on the caller's goroutine.
func WithObserver(fn func(Event)) SinkOption {
	return func(s *Sink) {
		s.observers = append(s.observers, fn)
	}
}

// WithLogger sets the operational logger used for writer diagnostics.
func WithLogger(l zerolog.Logger) SinkOption {
	return func(s *Sink) {
		s.logger = l
	}
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) SinkOption {
	return func(s *Sink) {
		s.now = now
	}
}

// NewSink creates a sink. When a log file is configured it is opened for
// append with 0600 permissions and the chain resumes from its tail.
func NewSink(opts ...SinkOption) (*Sink, error) {
	s := &Sink{
		capacity:      DefaultCapacity,
		writerBuffer:  DefaultWriterBuffer,
		flushInterval: DefaultFlushInterval,
		redactors:     DefaultRedactors(),
		now:           time.Now,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.ring = make([]entry, s.capacity)
	s.chain = NewChain(s.chainKey)

	if s.logPath != "" {
		if s.out != nil {
			return nil, fmt.Errorf("audit: WithLogFile and WithWriter are mutually exclusive")
		}
		tail, err := lastLine(s.logPath)
		if err != nil {
			return nil, fmt.Errorf("audit: read existing log: %w", err)
		}
		s.chain.Resume(tail)

		if err := os.MkdirAll(filepath.Dir(s.logPath), 0700); err != nil {
			return nil, fmt.Errorf("audit: create directory: %w", err)
		}
		f, err := os.OpenFile(s.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("audit: open log: %w", err)
		}
		s.out = f
	}

	if s.out != nil {
		dw := diode.NewWriter(s.out, s.writerBuffer, s.flushInterval, func(missed int) {
			s.writerMissed.Add(uint64(missed))
			// AU-5: surface audit loss even when logging is misconfigured.
			fmt.Fprintf(os.Stderr, "AUDIT WARNING: async writer dropped %d events\n", missed)
		})
		s.out = dw
		s.closer = dw
	}

	return s, nil
}

// Record completes e (ID, timestamp, chain link), retains it, and queues it
// for persistence. It never blocks on I/O and returns the stored event.
func (s *Sink) Record(e Event) Event {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fmt.Fprintf(os.Stderr, "AUDIT WARNING: event %s recorded after close\n", e.Action)
		return e
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Detail = redactDetail(e.Detail, s.redactors)
	e.PrevHash = s.chain.Prev()

	line, err := json.Marshal(e)
	if err != nil {
		s.mu.Unlock()
		fmt.Fprintf(os.Stderr, "AUDIT ERROR: marshal event %s: %v\n", e.Action, err)
		return e
	}
	s.chain.Advance(line)

	idx := (s.head + s.size) % s.capacity
	if s.size == s.capacity {
		// Full: overwrite the oldest.
		idx = s.head
		s.head = (s.head + 1) % s.capacity
		s.evicted++
	} else {
		s.size++
	}
	s.ring[idx] = entry{event: e, line: line}
	s.recorded++

	// Writes happen under the lock so file order matches chain order. The
	// diode copies the line and returns immediately.
	if s.out != nil {
		if _, err := s.out.Write(append(line, '\n')); err != nil {
			s.logger.Error().Err(err).Msg("audit writer rejected event")
		}
	}
	if s.archive != nil {
		s.archive.enqueue(e, line)
	}
	observers := s.observers
	s.mu.Unlock()

	for _, fn := range observers {
		fn(e)
	}
	return e
}

// Query returns retained events matching f, oldest first.
func (s *Sink) Query(f Filter) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for i := 0; i < s.size; i++ {
		e := s.ring[(s.head+i)%s.capacity].event
		if f.Match(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// ExportJSON writes retained events to w, one JSON object per line, oldest
// first. The lines are byte-identical to the ones the chain was built on.
func (s *Sink) ExportJSON(w io.Writer) error {
	s.mu.Lock()
	lines := make([][]byte, 0, s.size)
	for i := 0; i < s.size; i++ {
		lines = append(lines, s.ring[(s.head+i)%s.capacity].line)
	}
	s.mu.Unlock()

	bw := bufio.NewWriter(w)
	for _, line := range lines {
		if _, err := bw.Write(line); err != nil {
			return fmt.Errorf("audit: export: %w", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("audit: export: %w", err)
		}
	}
	return bw.Flush()
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Retained: s.size,
		Capacity: s.capacity,
		Recorded: s.recorded,
		Evicted:  s.evicted,
	}
	s.mu.Unlock()

	st.WriterMissed = s.writerMissed.Load()
	if s.archive != nil {
		st.ArchiveDropped = s.archive.Dropped()
	}
	return st
}

// Close flushes the async writer and closes the log file. The archive is
// owned by its creator and is not closed here.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closer := s.closer
	s.mu.Unlock()

	if closer != nil {
		return closer.Close()
	}
	return nil
}
