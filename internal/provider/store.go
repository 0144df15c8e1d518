package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/conduitworks/conduit/internal/fault"
)

// storeFile is the on-disk shape of the provider list.
type storeFile struct {
	Providers []*Config `yaml:"providers"`
}

// Store persists the provider configuration list. Writes are atomic: the
// file is staged next to the destination and renamed into place, so a crash
// mid-save leaves the prior version intact.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewStore creates a store backed by the YAML file at path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   path,
		logger: logger.With("component", "provider-store"),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted provider list. A missing file yields the built-in
// default set; an unreadable or unparseable file is a configuration error
// the caller should surface at startup.
func (s *Store) Load() ([]*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Info("no provider store found, using defaults", "path", s.path)
		return DefaultConfigs(), nil
	}
	if err != nil {
		return nil, fault.New(fault.KindConfiguration, "",
			fmt.Errorf("read provider store %s: %w", s.path, err))
	}

	var file storeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fault.New(fault.KindConfiguration, "",
			fmt.Errorf("parse provider store %s: %w", s.path, err))
	}

	return file.Providers, nil
}

// Save persists the full list atomically.
func (s *Store) Save(configs []*Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(storeFile{Providers: configs})
	if err != nil {
		return fmt.Errorf("encode provider store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".providers-*.yaml")
	if err != nil {
		return fmt.Errorf("stage provider store: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write provider store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close provider store: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace provider store: %w", err)
	}
	return nil
}

// Watch reports external edits to the store file by calling onChange. It
// watches the parent directory so the rename-into-place save path and
// editors that replace the file are both observed.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create store watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.watcher = watcher
	s.watchCancel = cancel

	s.watchWg.Add(1)
	go s.watchLoop(watchCtx, watcher, onChange)
	return nil
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func()) {
	defer s.watchWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				s.logger.Debug("provider store changed on disk", "op", event.Op.String())
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("provider store watcher error", "error", err)
		}
	}
}

// Close stops the watcher, if any.
func (s *Store) Close() error {
	s.watchMu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	watcher := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	s.watchWg.Wait()
	return nil
}

// DefaultConfigs is the built-in provider set used when no store exists yet.
// Entries ship disabled so nothing spawns until the operator opts in.
func DefaultConfigs() []*Config {
	return []*Config{
		{
			ID:        "filesystem",
			Name:      "Filesystem",
			Transport: TransportSubprocess,
			Command:   "conduit-provider-fs",
			Args:      []string{"--root", "${CONDUIT_FS_ROOT:-.}"},
			Enabled:   false,
		},
		{
			ID:        "web-search",
			Name:      "Web Search",
			Transport: TransportStreamingHTTP,
			URL:       "${CONDUIT_SEARCH_URL:-http://127.0.0.1:8391/rpc}",
			Enabled:   false,
		},
	}
}
