package server

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// configDebounceDelay lets editors finish writing before a reload
const configDebounceDelay = 250 * time.Millisecond

// WatchConfig reloads the [limits] section whenever the config file changes.
// The directory is watched since editors often replace the file.
func (s *Server) WatchConfig(path string) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %q: %w", path, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer w.Close()

		var debounceTimer *time.Timer
		defer func() {
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
		}()

		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				debugLog.Printf("Config changed: %v", ev)

				// Debounce: reset the timer if we get another event
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(configDebounceDelay, func() {
					s.reloadConfig(path)
				})

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				errorLog.Printf("Config watcher failed: %v", err)

			case <-s.shutdown:
				return
			}
		}
	}()

	log.Printf("Watching %s for limit changes", path)
	return nil
}

// reloadConfig applies the runtime limits of a changed config file
func (s *Server) reloadConfig(path string) {
	tc, err := LoadConfig(path)
	if err != nil {
		errorLog.Printf("Config reload failed, keeping current limits: %v", err)
		return
	}
	s.applyLimits(tc.ToServerConfig())
	log.Printf("Reloaded limits from %s", path)
}

// applyLimits swaps the limits that can change without a restart
func (s *Server) applyLimits(cfg ServerConfig) {
	s.registry.SetLimits(registryOptions(cfg))
	s.idleTimeout.Store(int64(cfg.IdleTimeout))
	s.createGroupLevel.Store(uint32(cfg.CreateGroupLevel))
	s.allUsersLevel.Store(uint32(cfg.AllUsersLevel))
}
