// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file on write and hands the new value to
// onChange. Backend/listener settings are read once by the caller at
// startup; onChange is expected to only apply the fields that are safe
// to change live (log level/format, worker pool sizing, retry policy,
// timer sweep interval).
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	doneCh  chan struct{}
}

// NewWatcher opens an fsnotify watch on the directory containing path,
// so editors that replace the file (write to a temp name then rename)
// are still observed.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, watcher: fsw, logger: logger, doneCh: make(chan struct{})}, nil
}

// Watch blocks processing fsnotify events until ctx is cancelled,
// calling onChange with a freshly loaded Config whenever path is
// written or its containing directory sees a rename (atomic-save
// editors do both). Load errors are logged and skipped rather than
// propagated, so a transient bad edit doesn't kill the watch loop.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Config)) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Error("config reload failed, keeping previous config", slog.Any("error", err))
				continue
			}
			w.logger.Info("config reloaded", slog.String("path", w.path))
			onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", slog.Any("error", err))
		}
	}
}

// Close stops the watcher and waits for Watch to return.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.doneCh
	return err
}
