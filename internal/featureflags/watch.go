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

package featureflags

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads flags from the JSON file at path whenever it's written or
// (re)created, until ctx is cancelled. A missing file at startup is not an
// error: flags keep their env-loaded values until the file first appears.
// Connection-bearing fields have no equivalent here since flags never
// carry a connection string; only the non-connection toggles reload, per
// SPEC_FULL.md §6.4.
func Watch(ctx context.Context, path string, flags *Flags, logf func(msg string, args ...any)) error {
	if logf == nil {
		logf = func(string, ...any) {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create flags watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := flags.loadFromFile(path); err != nil {
					logf("feature flags reload failed", "path", path, "error", err)
					continue
				}
				logf("feature flags reloaded", "path", path)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logf("feature flags watcher error", "error", werr)
			}
		}
	}()

	return flags.loadFromFile(path)
}
