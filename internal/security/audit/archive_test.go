// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArchive_MirrorsSinkEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	archive, err := OpenArchive(path)
	require.NoError(t, err)

	s, err := NewSink(WithArchive(archive))
	require.NoError(t, err)
	s.Record(Event{Severity: SeverityWarning, Category: CategoryAuthentication, Action: "AUTH_FAILURE", Identity: "bob"})
	s.Record(Event{Severity: SeverityInfo, Category: CategorySession, Action: "SESSION_OPEN", CorrelationID: "c-1"})
	s.Record(Event{Severity: SeverityCritical, Category: CategoryCrypto, Action: "NONCE_REUSE"})
	require.NoError(t, s.Close())

	// Close drains the insert queue.
	require.NoError(t, archive.Close())

	archive, err = OpenArchive(path)
	require.NoError(t, err)
	defer archive.Close()

	ctx := context.Background()
	n, err := archive.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	events, err := archive.Query(ctx, Filter{MinSeverity: SeverityWarning})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "AUTH_FAILURE", events[0].Action)
	require.Equal(t, "NONCE_REUSE", events[1].Action)

	events, err = archive.Query(ctx, Filter{CorrelationID: "c-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)

	events, err = archive.Query(ctx, Filter{Categories: []Category{CategoryAuthentication}, Identity: "bob"})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestArchive_PrunesToMaxRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	archive, err := OpenArchive(path, WithMaxRows(5))
	require.NoError(t, err)

	s, err := NewSink(WithArchive(archive))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		s.Record(Event{Category: CategorySystem, Action: fmt.Sprintf("E%d", i)})
	}
	require.NoError(t, s.Close())
	require.NoError(t, archive.Close())

	archive, err = OpenArchive(path, WithMaxRows(5))
	require.NoError(t, err)
	defer archive.Close()

	events, err := archive.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, events, 5)
	require.Equal(t, "E19", events[4].Action)
}

func TestArchive_EnqueueAfterCloseIsDropped(t *testing.T) {
	archive, err := OpenArchive(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	require.NoError(t, archive.Close())

	require.False(t, archive.enqueue(Event{ID: "x"}, []byte("{}")))
	require.Equal(t, uint64(1), archive.Dropped())
}
