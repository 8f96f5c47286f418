// Package service assembles the synchronization pipeline: extract a
// revision with svnlook, turn it into a commit record, and deliver it to the
// tracker, recording every attempt in the journal.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gaoqiangz/svn-commit-wt/internal/commit"
	"github.com/gaoqiangz/svn-commit-wt/internal/errors"
	"github.com/gaoqiangz/svn-commit-wt/internal/journal"
	"github.com/gaoqiangz/svn-commit-wt/internal/metrics"
	"github.com/gaoqiangz/svn-commit-wt/internal/svn"
	shared "github.com/gaoqiangz/svn-commit-wt/shared/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Extractor interface {
	Extract(ctx context.Context, repoPath, rev string) (*svn.Revision, error)
}

type Tracker interface {
	Commit(ctx context.Context, repository, branch string, meta *commit.Meta) error
}

type Journal interface {
	ContentID(repository, rev string) (string, error)
	Record(target *commit.Target) (*journal.Entry, error)
	MarkDelivered(id string) error
	MarkFailed(id string, cause error) error
}

// Syncer runs synchronizations. The journal is optional.
type Syncer struct {
	extractor   Extractor
	transformer *commit.Transformer
	tracker     Tracker
	journal     Journal
	logger      *zap.Logger
}

func NewSyncer(extractor Extractor, transformer *commit.Transformer, tracker Tracker, j Journal, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		extractor:   extractor,
		transformer: transformer,
		tracker:     tracker,
		journal:     j,
		logger:      logger,
	}
}

// Prepare extracts and transforms a notified revision and records it as
// pending. Extraction failures are returned as-is so the caller can report
// the svnlook diagnostic.
func (s *Syncer) Prepare(ctx context.Context, req *shared.CommitRequest) (*commit.Target, error) {
	metrics.SyncStarted()

	raw, err := s.extractor.Extract(ctx, req.RepoPath, req.Rev)
	if err != nil {
		metrics.SyncFailed(metrics.StageExtract)
		return nil, err
	}

	var contentID string
	if s.journal != nil {
		if contentID, err = s.journal.ContentID(req.RepoName, req.Rev); err != nil {
			s.logger.Warn("looking up previous content id", zap.String("repository", req.RepoName), zap.String("rev", req.Rev), zap.Error(err))
		}
	}

	target, err := s.transformer.Transform(req.RepoPath, req.RepoName, req.Rev, raw, contentID)
	if err != nil {
		metrics.SyncFailed(metrics.StageExtract)
		return nil, errors.Internal("building commit record", err)
	}

	if s.journal != nil {
		if _, err := s.journal.Record(target); err != nil {
			metrics.SyncFailed(metrics.StageJournal)
			s.logger.Warn("recording journal entry", zap.String("id", target.ID()), zap.Error(err))
		}
	}

	s.logger.Info("commit prepared",
		zap.String("id", target.ID()),
		zap.String("branch", target.Branch),
		zap.String("author", target.Meta.CommitterName),
		zap.String("sha", target.Meta.ContentID),
	)
	return target, nil
}

// Deliver submits target to the tracker and records the outcome.
func (s *Syncer) Deliver(ctx context.Context, target *commit.Target) error {
	startTime := time.Now()

	if err := s.tracker.Commit(ctx, target.Repository, target.Branch, &target.Meta); err != nil {
		metrics.SyncFailed(metrics.StageDeliver)
		s.logger.Error("commit delivery failed", zap.String("id", target.ID()), zap.Error(err))
		if s.journal != nil {
			if jerr := s.journal.MarkFailed(target.ID(), err); jerr != nil {
				s.logger.Warn("updating journal entry", zap.String("id", target.ID()), zap.Error(jerr))
			}
		}
		return err
	}

	metrics.SyncDelivered(startTime)
	if s.journal != nil {
		if err := s.journal.MarkDelivered(target.ID()); err != nil {
			s.logger.Warn("updating journal entry", zap.String("id", target.ID()), zap.Error(err))
		}
	}
	s.logger.Info("commit delivered", zap.String("id", target.ID()), zap.Duration("duration", time.Since(startTime)))
	return nil
}

// Sync prepares and delivers req synchronously.
func (s *Syncer) Sync(ctx context.Context, req *shared.CommitRequest) (*commit.Target, error) {
	target, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.Deliver(ctx, target); err != nil {
		return target, err
	}
	return target, nil
}

// Replay redelivers journal entries with at most limit in flight. Entries
// keep their recorded content id. Every entry is attempted; the error
// reports how many failed.
func (s *Syncer) Replay(ctx context.Context, entries []*journal.Entry, limit int) error {
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	failed := make(chan string, len(entries))
	for _, e := range entries {
		target := e.Target()
		g.Go(func() error {
			if ctx.Err() != nil {
				failed <- target.ID()
				return nil
			}
			if s.journal != nil {
				if _, err := s.journal.Record(target); err != nil {
					s.logger.Warn("recording journal entry", zap.String("id", target.ID()), zap.Error(err))
				}
			}
			if err := s.Deliver(ctx, target); err != nil {
				failed <- target.ID()
			}
			return nil
		})
	}
	_ = g.Wait()
	close(failed)

	if n := len(failed); n > 0 {
		return fmt.Errorf("%d of %d entries failed", n, len(entries))
	}
	return nil
}
