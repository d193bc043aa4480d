package approvals

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/smallnest/permgate/internal/logger"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

// Store holds the current policy and reloads it from disk.
type Store struct {
	path     string
	debounce time.Duration

	mu     sync.RWMutex
	policy *Policy
}

// NewStore loads the policy at path. A missing file is an empty policy.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, debounce: defaultDebounce}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the policy file path.
func (s *Store) Path() string {
	return s.path
}

// Policy returns the current policy. Callers must not modify it.
func (s *Store) Policy() *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Reload re-reads the policy file. On error the previous policy stays active.
func (s *Store) Reload() error {
	p, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()

	logger.Info("Approval policy loaded",
		zap.String("path", s.path),
		zap.Int("allow_rules", len(p.Allow)),
		zap.Int("deny_rules", len(p.Deny)))
	return nil
}

// Watch reloads the policy whenever its file changes, until ctx is done.
// The parent directory is watched so that atomic replacements are seen.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go s.processEvents(ctx, watcher)
	return nil
}

func (s *Store) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	logger.Info("Starting approvals watcher", zap.String("path", s.path))

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Approvals watcher panicked", zap.Any("recover", r))
		}
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
		_ = watcher.Close()
	}()

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}

			logger.Debug("Approval policy changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()))

			// Schedule debounced reload
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.debounce, func() {
				if err := s.Reload(); err != nil {
					logger.Warn("Failed to reload approval policy, keeping previous",
						zap.String("path", s.path),
						zap.Error(err))
				}
			})
			timerMu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Approvals watcher error", zap.Error(err))
		}
	}
}
