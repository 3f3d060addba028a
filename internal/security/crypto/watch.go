// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-guard/internal/security/audit"
)

// =============================================================================
// SALT WATCHER
// =============================================================================

// SaltWatcher reports any change to the salt file after startup as a
// critical audit event. The salt never changes legitimately while the
// process runs.
type SaltWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	recorder audit.Recorder
	logger   zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// WatchSalt starts watching path. The parent directory is watched so
// atomic replacement (rename over the file) is seen as well.
func WatchSalt(path string, recorder audit.Recorder, logger zerolog.Logger) (*SaltWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("salt watcher: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("salt watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("salt watcher: %w", err)
	}
	if recorder == nil {
		recorder = audit.Discard
	}

	sw := &SaltWatcher{
		watcher:  w,
		path:     abs,
		recorder: recorder,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go sw.loop()
	return sw, nil
}

func (sw *SaltWatcher) loop() {
	defer close(sw.done)
	for {
		select {
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != sw.path {
				continue
			}
			sw.logger.Error().Str("op", ev.Op.String()).Msg("salt file changed while running")
			sw.recorder.Record(audit.Event{
				Severity: audit.SeverityCritical,
				Category: audit.CategoryKeyMaterial,
				Action:   "SALT_FILE_CHANGED",
				Outcome:  audit.OutcomeFailure,
				Detail:   map[string]string{"op": ev.Op.String()},
			})
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Warn().Err(err).Msg("salt watcher error")
		}
	}
}

// Close stops the watcher.
func (sw *SaltWatcher) Close() error {
	var err error
	sw.closeOnce.Do(func() {
		err = sw.watcher.Close()
		<-sw.done
	})
	return err
}
