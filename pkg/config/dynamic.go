package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mlflow-oidc/gatekeeper/pkg/observability"
)

// Dynamic holds the reloadable authorization knobs. Readers take a
// snapshot; writers swap the whole value under the lock.
type Dynamic struct {
	mu      sync.RWMutex
	current AuthzConfig
}

// NewDynamic creates a dynamic container seeded from the given knobs.
func NewDynamic(initial AuthzConfig) *Dynamic {
	return &Dynamic{current: initial}
}

// Snapshot returns the current authorization knobs.
func (d *Dynamic) Snapshot() AuthzConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// update validates and swaps the knobs. Invalid values are rejected so a
// bad file edit never takes effect.
func (d *Dynamic) update(next AuthzConfig) error {
	if err := next.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.current = next
	d.mu.Unlock()
	return nil
}

// LoadFile reads the YAML knob file and applies it over the current
// values: absent fields keep their previous setting.
func (d *Dynamic) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	next := d.Snapshot()
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return d.update(next)
}

// Watch reloads the knob file whenever it changes. The watcher is
// registered synchronously so setup errors reach the caller; the reload
// loop then runs in its own goroutine until the stop channel closes.
func (d *Dynamic) Watch(path string, logger *observability.Logger, stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	logger.Infof("watching config file %s for changes", path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := d.LoadFile(path); err != nil {
					logger.WithError(err).Warnf("ignoring invalid config reload from %s", path)
					continue
				}
				logger.Infof("reloaded dynamic config from %s", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("config watcher error")
			case <-stop:
				return
			}
		}
	}()

	return nil
}
