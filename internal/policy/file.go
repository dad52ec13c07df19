package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize policy watcher")

const maxPolicyFileSize = 1024 * 1024

// FileStore serves directives from a YAML file. A file that fails to parse
// on reload leaves the previous directive set in place.
type FileStore struct {
	path   string
	logger *logging.Logger

	mu      sync.RWMutex
	byScope map[orchestrator.Scope][]orchestrator.Directive
	version string
	loadErr error

	watcher *fsnotify.Watcher
	stop    chan struct{}
	once    sync.Once
}

// NewFileStore loads the directive file at path.
func NewFileStore(path string, logger *logging.Logger) (*FileStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &FileStore{path: path, logger: logger, stop: make(chan struct{})}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Version returns the version declared by the loaded file.
func (s *FileStore) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Directives implements orchestrator.PolicyStore.
func (s *FileStore) Directives(ctx context.Context, scope orchestrator.Scope) ([]orchestrator.Directive, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.byScope == nil {
		return nil, fmt.Errorf("policy file %s not loaded: %w", s.path, s.loadErr)
	}
	return append([]orchestrator.Directive(nil), s.byScope[scope]...), nil
}

// Reload re-reads the file and swaps in the new directive set.
func (s *FileStore) Reload() error {
	doc, err := readDocument(s.path)
	if err == nil {
		var byScope map[orchestrator.Scope][]orchestrator.Directive
		if byScope, err = Compile(doc.Directives); err == nil {
			s.mu.Lock()
			s.byScope, s.version, s.loadErr = byScope, doc.Version, nil
			s.mu.Unlock()
			return nil
		}
	}
	s.mu.Lock()
	s.loadErr = err
	s.mu.Unlock()
	return fmt.Errorf("loading policy file %s: %w", s.path, err)
}

func readDocument(path string) (Document, error) {
	var doc Document
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if len(data) > maxPolicyFileSize {
		return doc, fmt.Errorf("policy file too large: %d bytes (max %d)", len(data), maxPolicyFileSize)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// Watch reloads the file whenever it changes until ctx is done or Close is
// called. The parent directory is watched so that editors that replace the
// file by rename are seen.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = watcher
	go s.processEvents(ctx)
	return nil
}

// Close stops the watcher.
func (s *FileStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}

func (s *FileStore) processEvents(ctx context.Context) {
	target := filepath.Clean(s.path)
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn(ctx, "policy reload failed; keeping previous directives",
					zap.String("path", s.path), zap.Error(err))
				continue
			}
			s.logger.Info(ctx, "policy directives reloaded",
				zap.String("path", s.path), zap.String("version", s.Version()))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn(ctx, "policy watcher error", zap.Error(err))
		}
	}
}
