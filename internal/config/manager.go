package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/hdhub/hdhub/internal/log"
)

// Manager holds the current Snapshot and hot-reloads the sweep-related
// fields when the YAML config file changes. Structural options (ports,
// directories, database path) require a restart and are ignored on reload.
type Manager struct {
	current  atomic.Pointer[Snapshot]
	path     string
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	stopChan chan struct{}
}

// NewManager wraps an initial snapshot. path may be empty (no file, no watch).
func NewManager(initial Snapshot, path string) *Manager {
	m := &Manager{
		path:     path,
		logger:   log.WithComponent("config"),
		stopChan: make(chan struct{}),
	}
	m.current.Store(&initial)
	return m
}

// Current returns the latest snapshot.
func (m *Manager) Current() Snapshot {
	return *m.current.Load()
}

// Watch starts the file watcher. No-op when no config file is configured.
func (m *Manager) Watch() error {
	if m.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(m.path); err != nil {
		_ = w.Close()
		return err
	}
	m.watcher = w
	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.stopChan:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				m.reload()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (m *Manager) reload() {
	next := m.Current()
	if err := next.applyFile(m.path); err != nil {
		m.logger.Warn().Err(err).Msg("config reload failed, keeping previous snapshot")
		return
	}
	if err := next.Validate(); err != nil {
		m.logger.Warn().Err(err).Msg("config reload rejected by validation")
		return
	}

	// Only the sweep knobs are applied live.
	cur := m.Current()
	cur.CleanupInterval = next.CleanupInterval
	cur.MaxCacheAge = next.MaxCacheAge
	cur.DiscoveryInterval = next.DiscoveryInterval
	cur.GuideRefreshInterval = next.GuideRefreshInterval
	m.current.Store(&cur)

	m.logger.Info().
		Dur("cleanup_interval", cur.CleanupInterval).
		Dur("max_cache_age", cur.MaxCacheAge).
		Msg("config reloaded")
}

// Close stops the watcher.
func (m *Manager) Close() {
	close(m.stopChan)
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
}
