// Package journal records every synchronization attempt so failed
// deliveries can be inspected and replayed, and so a revision that is
// notified again keeps the content id it was first given.
package journal

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gaoqiangz/svn-commit-wt/internal/commit"
	"github.com/gaoqiangz/svn-commit-wt/internal/errors"
	"github.com/gaoqiangz/svn-commit-wt/internal/storage"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	keyPrefix        = "commit"
	defaultCacheSize = 256
	compressMinSize  = 512
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// ParseStatus accepts a status name; the empty string matches every entry.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case "", StatusPending, StatusDelivered, StatusFailed:
		return st, nil
	}
	return "", errors.ValidationError("unknown journal status: "+s, []string{"pending", "delivered", "failed"})
}

// Entry is the journal record of one repository revision.
type Entry struct {
	ID         string      `json:"id"`
	RepoPath   string      `json:"repo_path"`
	Repository string      `json:"repository"`
	Revision   string      `json:"revision"`
	Branch     string      `json:"branch"`
	Meta       commit.Meta `json:"meta"`
	Status     Status      `json:"status"`
	Attempts   int         `json:"attempts"`
	LastError  string      `json:"last_error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func (e *Entry) GetID() string { return e.ID }

// Target rebuilds the delivery target the entry was recorded from.
func (e *Entry) Target() *commit.Target {
	return &commit.Target{
		RepoPath:   e.RepoPath,
		Repository: e.Repository,
		Revision:   e.Revision,
		Branch:     e.Branch,
		Meta:       e.Meta,
	}
}

type Options struct {
	CacheSize int
	Logger    *zap.Logger
	Now       func() time.Time
}

// Journal is safe for concurrent use. Writes are read-modify-write under a
// single mutex; recently touched entries are served from an LRU cache.
type Journal struct {
	store  *storage.BadgerStore
	cache  *lru.Cache[string, Entry]
	mu     sync.Mutex
	logger *zap.Logger
	now    func() time.Time
}

func New(db *badger.DB, opts Options) (*Journal, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, Entry](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	codec, err := storage.NewZstdCodec(compressMinSize)
	if err != nil {
		return nil, fmt.Errorf("creating codec: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Journal{
		store:  storage.NewBadgerStore(db, keyPrefix, codec),
		cache:  cache,
		logger: opts.Logger,
		now:    opts.Now,
	}, nil
}

// ContentID returns the content id already issued for repository@rev, or
// "" if the revision has not been recorded.
func (j *Journal) ContentID(repository, rev string) (string, error) {
	e, err := j.Get(repository + "@" + rev)
	if errors.IsType(err, errors.ErrorTypeNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return e.Meta.ContentID, nil
}

// Record stores target as pending. Re-recording an existing revision keeps
// its creation time and attempt count.
func (j *Journal) Record(target *commit.Target) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	e, err := j.load(target.ID())
	switch {
	case err == nil:
	case errors.IsType(err, errors.ErrorTypeNotFound):
		e = &Entry{ID: target.ID(), CreatedAt: now}
	default:
		return nil, err
	}

	e.RepoPath = target.RepoPath
	e.Repository = target.Repository
	e.Revision = target.Revision
	e.Branch = target.Branch
	e.Meta = target.Meta
	e.Status = StatusPending
	e.UpdatedAt = now

	if err := j.save(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (j *Journal) MarkDelivered(id string) error {
	return j.update(id, func(e *Entry) {
		e.Status = StatusDelivered
		e.Attempts++
		e.LastError = ""
	})
}

func (j *Journal) MarkFailed(id string, cause error) error {
	return j.update(id, func(e *Entry) {
		e.Status = StatusFailed
		e.Attempts++
		if cause != nil {
			e.LastError = cause.Error()
		}
	})
}

func (j *Journal) Get(id string) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.load(id)
}

// List returns entries with the given status (all when empty), oldest
// first.
func (j *Journal) List(status Status) ([]*Entry, error) {
	var entries []*Entry
	err := j.store.Each(func(data []byte) error {
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decoding entry: %w", err)
		}
		if status == "" || e.Status == status {
			entries = append(entries, &e)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Internal("listing journal", err)
	}

	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].CreatedAt.Before(entries[b].CreatedAt)
	})
	return entries, nil
}

func (j *Journal) update(id string, mutate func(*Entry)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, err := j.load(id)
	if err != nil {
		return err
	}
	mutate(e)
	e.UpdatedAt = j.now()
	return j.save(e)
}

// load must be called with j.mu held. The returned entry is a copy.
func (j *Journal) load(id string) (*Entry, error) {
	if e, ok := j.cache.Get(id); ok {
		return &e, nil
	}

	var e Entry
	if err := j.store.Get(id, &e); err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NotFound("journal entry not found: " + id)
		}
		return nil, errors.Internal("reading journal entry "+id, err)
	}
	j.cache.Add(id, e)
	return &e, nil
}

func (j *Journal) save(e *Entry) error {
	if err := j.store.Put(e); err != nil {
		j.cache.Remove(e.ID)
		return errors.Internal("writing journal entry "+e.ID, err)
	}
	j.cache.Add(e.ID, *e)
	j.logger.Debug("journal entry saved",
		zap.String("id", e.ID),
		zap.String("status", string(e.Status)),
		zap.Int("attempts", e.Attempts),
	)
	return nil
}
