package config

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Holder provides thread-safe access to configuration with hot reload
// support. Only the fields listed by ReloadableFields take effect without a
// restart; callers apply them from OnChange callbacks.
type Holder struct {
	mu       sync.RWMutex
	config   *Config
	path     string
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewHolder loads the configuration at path and keeps it for reloads.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newHolder(cfg, path, logger)
}

// NewStaticHolder wraps a configuration that did not come from a file.
// Reload is a no-op.
func NewStaticHolder(cfg *Config, logger zerolog.Logger) *Holder {
	return &Holder{config: cfg, logger: logger, stopCh: make(chan struct{})}
}

func newHolder(cfg *Config, path string, logger zerolog.Logger) (*Holder, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	return &Holder{
		config: cfg,
		path:   absPath,
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

// Get returns the active configuration.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Path is the watched config file, or "" for a static holder.
func (h *Holder) Path() string {
	return h.path
}

// Reload reads the file again and, when it is valid, swaps it in and runs
// the OnChange callbacks. An invalid file leaves the current config active.
func (h *Holder) Reload() error {
	if h.path == "" {
		return nil
	}

	next, err := Load(h.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	prev := h.config
	h.config = next
	callbacks := make([]func(*Config), len(h.onChange))
	copy(callbacks, h.onChange)
	h.mu.Unlock()

	h.logChanges(prev, next)
	for _, fn := range callbacks {
		fn(next)
	}
	h.logger.Info().Str("path", h.path).Msg("configuration reloaded")
	return nil
}

// OnChange registers fn to run after every successful reload.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

// WatchFile reloads the config whenever its file is written or replaced.
// The parent directory is watched so renames over the file are seen.
func (h *Holder) WatchFile() error {
	if h.path == "" {
		return errors.New("static config has no file to watch")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(h.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(h.path), err)
	}
	h.watcher = w

	go h.watchFile(w)
	h.logger.Info().Str("path", h.path).Msg("watching config file")
	return nil
}

// WatchSignals reloads the config on SIGHUP until Stop.
func (h *Holder) WatchSignals() {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-h.stopCh:
				return
			case <-hup:
				h.reloadFrom("SIGHUP")
			}
		}
	}()
}

// Stop ends file and signal watching. Repeated calls are no-ops.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.watcher != nil {
			h.watcher.Close()
		}
	})
}

func (h *Holder) watchFile(w *fsnotify.Watcher) {
	name := filepath.Base(h.path)
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-h.stopCh:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			h.logger.Debug().Stringer("op", ev.Op).Msg("config file changed")
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, func() { h.reloadFrom("file watch") })
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (h *Holder) reloadFrom(trigger string) {
	select {
	case <-h.stopCh:
		return
	default:
	}
	if err := h.Reload(); err != nil {
		h.logger.Error().Err(err).Str("trigger", trigger).Msg("config reload failed")
	}
}

func (h *Holder) logChanges(old, new *Config) {
	if old.Logging.Level != new.Logging.Level {
		h.logger.Info().
			Str("old", old.Logging.Level).
			Str("new", new.Logging.Level).
			Msg("log level changed")
	}

	if len(old.Access.Grants) != len(new.Access.Grants) {
		h.logger.Info().
			Int("old", len(old.Access.Grants)).
			Int("new", len(new.Access.Grants)).
			Msg("grant subjects changed")
	}

	for _, field := range changedRestartFields(old, new) {
		h.logger.Warn().Str("field", field).Msg("config change requires a restart")
	}
}

func changedRestartFields(old, new *Config) []string {
	var out []string
	if old.Server.Addr() != new.Server.Addr() {
		out = append(out, "server.host/port")
	}
	if old.Database != new.Database {
		out = append(out, "database")
	}
	if fmt.Sprint(old.Schema.Dirs) != fmt.Sprint(new.Schema.Dirs) {
		out = append(out, "schema.dirs")
	}
	if old.Schema.Cache != new.Schema.Cache {
		out = append(out, "schema.cache")
	}
	return out
}

// ReloadableFields returns which fields can be changed without restart.
func ReloadableFields() []string {
	return []string{
		"access.grants",
		"logging.level",
	}
}

// NonReloadableFields returns which fields require a restart.
func NonReloadableFields() []string {
	return []string{
		"server.host",
		"server.port",
		"database.driver",
		"database.dsn",
		"schema.dirs",
		"schema.cache",
		"metrics.enabled",
	}
}
