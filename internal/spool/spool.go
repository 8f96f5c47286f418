// Package spool holds commit notifications the post-commit hook could not
// deliver to the service. Each notification is one JSON file; the service
// drains the directory at startup and then watches it for new files.
package spool

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	shared "github.com/gaoqiangz/svn-commit-wt/shared/types"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	fileExt    = ".json"
	invalidExt = ".invalid"
)

// Handler accepts one spooled notification. A file is removed only after
// its handler returned nil.
type Handler func(ctx context.Context, req *shared.CommitRequest) error

type Spool struct {
	dir    string
	logger *zap.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

func New(dir string, logger *zap.Logger) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Spool{dir: dir, logger: logger, inFlight: make(map[string]bool)}, nil
}

func (s *Spool) Dir() string { return s.dir }

// Write atomically adds req to the spool and returns the file path.
func (s *Spool) Write(req *shared.CommitRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling notification: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".spool-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating spool file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing spool file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing spool file: %w", err)
	}

	// Names sort in arrival order.
	name := fmt.Sprintf("%020d-%s%s", time.Now().UnixNano(), uuid.NewString(), fileExt)
	path := filepath.Join(s.dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publishing spool file: %w", err)
	}
	return path, nil
}

// Pending lists spooled files, oldest first.
func (s *Spool) Pending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && isSpoolFile(e.Name()) {
			paths = append(paths, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Drain hands every spooled notification to handle. Failed notifications
// stay in the spool for the next drain. It returns the number handled.
func (s *Spool) Drain(ctx context.Context, handle Handler) (int, error) {
	paths, err := s.Pending()
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, path := range paths {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if s.process(ctx, path, handle) {
			handled++
		}
	}
	return handled, nil
}

// Watch drains the spool and then handles files as they appear, until ctx
// is canceled.
func (s *Spool) Watch(ctx context.Context, handle Handler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch before draining so a file written in between is not missed.
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watching %s: %w", s.dir, err)
	}

	if n, err := s.Drain(ctx, handle); err != nil {
		s.logger.Warn("draining spool", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("spool drained", zap.Int("count", n))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isSpoolFile(filepath.Base(event.Name)) {
				continue
			}
			s.process(ctx, event.Name, handle)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("spool watcher error", zap.Error(err))
		}
	}
}

// process handles one file and reports whether it was accepted.
func (s *Spool) process(ctx context.Context, path string, handle Handler) bool {
	if !s.claim(path) {
		return false
	}
	defer s.release(path)

	data, err := os.ReadFile(path)
	if err != nil {
		// Already handled by a concurrent drain.
		if !stderrors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("reading spool file", zap.String("path", path), zap.Error(err))
		}
		return false
	}

	var req shared.CommitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Error("malformed spool file, setting aside", zap.String("path", path), zap.Error(err))
		if err := os.Rename(path, path+invalidExt); err != nil {
			s.logger.Warn("renaming spool file", zap.String("path", path), zap.Error(err))
		}
		return false
	}

	if err := handle(ctx, &req); err != nil {
		s.logger.Warn("spooled notification not accepted",
			zap.String("path", path),
			zap.String("repository", req.RepoName),
			zap.String("rev", req.Rev),
			zap.Error(err),
		)
		return false
	}

	if err := os.Remove(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("removing spool file", zap.String("path", path), zap.Error(err))
	}
	return true
}

func (s *Spool) claim(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[path] {
		return false
	}
	s.inFlight[path] = true
	return true
}

func (s *Spool) release(path string) {
	s.mu.Lock()
	delete(s.inFlight, path)
	s.mu.Unlock()
}

func isSpoolFile(name string) bool {
	return strings.HasSuffix(name, fileExt) && !strings.HasPrefix(name, ".")
}
