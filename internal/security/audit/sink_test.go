// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T, opts ...SinkOption) *Sink {
	t.Helper()
	s, err := NewSink(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// =============================================================================
// RECORD TESTS
// =============================================================================

func TestSink_RecordAssignsIdentityAndTime(t *testing.T) {
	local := time.FixedZone("EST", -5*3600)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, local)
	s := newTestSink(t, WithClock(func() time.Time { return fixed }))

	e := s.Record(Event{Category: CategorySystem, Action: "STARTUP"})

	parsed, err := uuid.Parse(e.ID)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(4), parsed.Version())
	require.Equal(t, time.UTC, e.Timestamp.Location())
	require.True(t, fixed.Equal(e.Timestamp))
	require.Equal(t, GenesisHash, e.PrevHash)
}

func TestSink_UniqueIDs(t *testing.T) {
	s := newTestSink(t)
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		e := s.Record(Event{Category: CategorySystem, Action: "TICK"})
		require.False(t, seen[e.ID], "duplicate event id %s", e.ID)
		seen[e.ID] = true
	}
}

func TestSink_EvictsOldestWhenFull(t *testing.T) {
	s := newTestSink(t, WithCapacity(3))
	for i := 0; i < 5; i++ {
		s.Record(Event{Category: CategorySystem, Action: fmt.Sprintf("E%d", i)})
	}

	events := s.Query(Filter{})
	require.Len(t, events, 3)
	require.Equal(t, "E2", events[0].Action)
	require.Equal(t, "E4", events[2].Action)

	st := s.Stats()
	require.Equal(t, 3, st.Retained)
	require.Equal(t, uint64(5), st.Recorded)
	require.Equal(t, uint64(2), st.Evicted)
}

func TestSink_RedactsDetailSecrets(t *testing.T) {
	s := newTestSink(t)
	e := s.Record(Event{
		Category: CategoryAuthentication,
		Action:   "AUTH_FAILURE",
		Detail: map[string]string{
			"error":  "bad header Bearer abc.def.ghi",
			"reason": "password=hunter2",
		},
	})

	require.NotContains(t, e.Detail["error"], "abc.def.ghi")
	require.NotContains(t, e.Detail["reason"], "hunter2")
}

func TestSink_DoesNotAliasCallerDetail(t *testing.T) {
	s := newTestSink(t)
	detail := map[string]string{"k": "v"}
	s.Record(Event{Category: CategorySystem, Action: "A", Detail: detail})
	detail["k"] = "changed"

	events := s.Query(Filter{})
	require.Equal(t, "v", events[0].Detail["k"])
}

// =============================================================================
// QUERY TESTS
// =============================================================================

func TestSink_QueryFilters(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s := newTestSink(t, WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}))

	s.Record(Event{Severity: SeverityInfo, Category: CategorySession, Action: "SESSION_OPEN", Outcome: OutcomeSuccess})
	s.Record(Event{Severity: SeverityWarning, Category: CategoryAuthentication, Action: "AUTH_FAILURE", Outcome: OutcomeFailure, Identity: "alice"})
	s.Record(Event{Severity: SeverityCritical, Category: CategoryCrypto, Action: "NONCE_REUSE", Outcome: OutcomeFailure})
	s.Record(Event{Severity: SeverityWarning, Category: CategoryContentSafety, Action: "PROMPT_REJECTED", Outcome: OutcomeBlocked, CorrelationID: "req-1"})

	require.Len(t, s.Query(Filter{MinSeverity: SeverityWarning}), 3)
	require.Len(t, s.Query(Filter{Categories: []Category{CategoryCrypto, CategorySession}}), 2)
	require.Len(t, s.Query(Filter{Outcome: OutcomeFailure}), 2)
	require.Len(t, s.Query(Filter{Identity: "alice"}), 1)
	require.Len(t, s.Query(Filter{CorrelationID: "req-1"}), 1)

	// Timestamps are base+1m .. base+4m.
	ranged := s.Query(Filter{Since: base.Add(2 * time.Minute), Until: base.Add(3 * time.Minute)})
	require.Len(t, ranged, 2)
	require.Equal(t, "AUTH_FAILURE", ranged[0].Action)

	limited := s.Query(Filter{Limit: 1})
	require.Len(t, limited, 1)
	require.Equal(t, "PROMPT_REJECTED", limited[0].Action)
}

// =============================================================================
// EXPORT AND CHAIN TESTS
// =============================================================================

func TestSink_ExportIsNDJSONAndVerifies(t *testing.T) {
	s := newTestSink(t)
	for i := 0; i < 10; i++ {
		s.Record(Event{Category: CategorySystem, Action: "E", Detail: map[string]string{"i": fmt.Sprint(i)}})
	}

	var buf bytes.Buffer
	require.NoError(t, s.ExportJSON(&buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 10)
	for _, l := range lines {
		var e Event
		require.NoError(t, json.Unmarshal([]byte(l), &e))
	}

	res := Verify(bytes.NewReader(buf.Bytes()), nil)
	require.True(t, res.Valid, res.Error)
	require.Equal(t, 10, res.Lines)
	require.False(t, res.Truncated)
}

func TestSink_ExportAfterEvictionIsTruncatedButValid(t *testing.T) {
	s := newTestSink(t, WithCapacity(4))
	for i := 0; i < 9; i++ {
		s.Record(Event{Category: CategorySystem, Action: "E"})
	}

	var buf bytes.Buffer
	require.NoError(t, s.ExportJSON(&buf))

	res := Verify(&buf, nil)
	require.True(t, res.Valid, res.Error)
	require.True(t, res.Truncated)
	require.Equal(t, 4, res.Lines)
}

func TestVerify_DetectsTampering(t *testing.T) {
	s := newTestSink(t)
	s.Record(Event{Category: CategoryAuthentication, Action: "AUTH_FAILURE", Identity: "mallory"})
	s.Record(Event{Category: CategoryAuthentication, Action: "AUTH_SUCCESS", Identity: "alice"})
	s.Record(Event{Category: CategorySession, Action: "SESSION_OPEN"})

	var buf bytes.Buffer
	require.NoError(t, s.ExportJSON(&buf))

	tampered := strings.Replace(buf.String(), "mallory", "alice__", 1)
	res := Verify(strings.NewReader(tampered), nil)
	require.False(t, res.Valid)
	require.Equal(t, 2, res.ErrorLine)
}

func TestVerify_KeyedChainNeedsKey(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, ChainKeySize)
	s := newTestSink(t, WithChainKey(key))
	for i := 0; i < 3; i++ {
		s.Record(Event{Category: CategorySystem, Action: "E"})
	}

	var buf bytes.Buffer
	require.NoError(t, s.ExportJSON(&buf))

	require.True(t, Verify(bytes.NewReader(buf.Bytes()), key).Valid)
	require.False(t, Verify(bytes.NewReader(buf.Bytes()), nil).Valid)
}

func TestLoadChainKey(t *testing.T) {
	t.Setenv(ChainKeyEnvVar, "")
	key, err := LoadChainKey()
	require.NoError(t, err)
	require.Nil(t, key)

	t.Setenv(ChainKeyEnvVar, strings.Repeat("ab", ChainKeySize))
	key, err = LoadChainKey()
	require.NoError(t, err)
	require.Len(t, key, ChainKeySize)

	t.Setenv(ChainKeyEnvVar, "abcd")
	_, err = LoadChainKey()
	require.Error(t, err)
}

// =============================================================================
// PERSISTENCE TESTS
// =============================================================================

func TestSink_LogFileResumesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")

	s1, err := NewSink(WithLogFile(path))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		s1.Record(Event{Category: CategorySystem, Action: "FIRST_RUN"})
	}
	require.NoError(t, s1.Close())

	res := VerifyFile(path, nil)
	require.True(t, res.Valid, res.Error)
	require.Equal(t, 3, res.Lines)

	s2, err := NewSink(WithLogFile(path))
	require.NoError(t, err)
	s2.Record(Event{Category: CategorySystem, Action: "SECOND_RUN"})
	require.NoError(t, s2.Close())

	res = VerifyFile(path, nil)
	require.True(t, res.Valid, res.Error)
	require.Equal(t, 4, res.Lines)
	require.False(t, res.Truncated)
}

func TestSink_LogFilePermissions(t *testing.T) {
	if os.PathSeparator == '\\' {
		t.Skip("mode bits are not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	s, err := NewSink(WithLogFile(path))
	require.NoError(t, err)
	s.Record(Event{Category: CategorySystem, Action: "E"})
	require.NoError(t, s.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestSink_RecordAfterCloseDoesNotPanic(t *testing.T) {
	s, err := NewSink(WithWriter(&bytes.Buffer{}))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NotPanics(t, func() {
		s.Record(Event{Category: CategorySystem, Action: "LATE"})
	})
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestSink_ConcurrentRecordKeepsChainIntact(t *testing.T) {
	s := newTestSink(t, WithCapacity(2000))

	var observed sync.Map
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				e := s.Record(Event{Category: CategorySystem, Action: "E", CorrelationID: fmt.Sprintf("w%d-%d", w, i)})
				observed.Store(e.ID, true)
			}
		}(w)
	}
	wg.Wait()

	var buf bytes.Buffer
	require.NoError(t, s.ExportJSON(&buf))
	res := Verify(&buf, nil)
	require.True(t, res.Valid, res.Error)
	require.Equal(t, 1600, res.Lines)
}

func TestSink_ObserverSeesEvents(t *testing.T) {
	var got []string
	var mu sync.Mutex
	s := newTestSink(t, WithObserver(func(e Event) {
		mu.Lock()
		got = append(got, e.Action)
		mu.Unlock()
	}))

	s.Record(Event{Category: CategorySystem, Action: "ONE"})
	s.Record(Event{Category: CategorySystem, Action: "TWO"})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"ONE", "TWO"}, got)
}

func TestSeverity_TextRoundTrip(t *testing.T) {
	for _, sev := range []Severity{SeverityInfo, SeverityNotice, SeverityWarning, SeverityError, SeverityCritical} {
		text, err := sev.MarshalText()
		require.NoError(t, err)
		var back Severity
		require.NoError(t, back.UnmarshalText(text))
		require.Equal(t, sev, back)
	}
	_, err := ParseSeverity("catastrophic")
	require.Error(t, err)
}
