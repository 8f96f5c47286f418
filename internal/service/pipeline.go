package service

import (
	"fmt"

	"github.com/gaoqiangz/svn-commit-wt/internal/commit"
	"github.com/gaoqiangz/svn-commit-wt/internal/config"
	"github.com/gaoqiangz/svn-commit-wt/internal/journal"
	"github.com/gaoqiangz/svn-commit-wt/internal/logging"
	"github.com/gaoqiangz/svn-commit-wt/internal/storage"
	"github.com/gaoqiangz/svn-commit-wt/internal/svn"
	"github.com/gaoqiangz/svn-commit-wt/internal/tracker"

	"github.com/dgraph-io/badger/v4"
)

// Pipeline is every long-lived component built from a configuration.
type Pipeline struct {
	Syncer  *Syncer
	Journal *journal.Journal
	Tracker *tracker.Client

	db *badger.DB
}

// Open builds the pipeline. The caller must Close it to release the
// journal database.
func Open(cfg *config.Config, logger *logging.Logger) (*Pipeline, error) {
	extractor, err := svn.NewExtractor(svn.ExecRunner{Binary: cfg.SVN.Svnlook}, cfg.SVN.Encoding, logger.Named("svn").Logger)
	if err != nil {
		return nil, fmt.Errorf("creating extractor: %w", err)
	}

	client, err := tracker.New(tracker.Options{
		BaseURL:            cfg.Tracker.APIURL,
		ProductName:        cfg.Tracker.ProductName,
		ClientID:           cfg.Tracker.ClientID,
		ClientSecret:       cfg.Tracker.ClientSecret,
		Timeout:            cfg.Tracker.Timeout,
		InsecureSkipVerify: cfg.Tracker.InsecureSkipVerify,
		Logger:             logger.Named("tracker").Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating tracker client: %w", err)
	}

	db, err := storage.Open(cfg.Journal.Path, logger.Logger)
	if err != nil {
		return nil, err
	}
	j, err := journal.New(db, journal.Options{
		CacheSize: cfg.Journal.CacheSize,
		Logger:    logger.Named("journal").Logger,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	syncer := NewSyncer(extractor, commit.NewTransformer(cfg.SVN.DefaultBranch), client, j, logger.Named("sync").Logger)

	return &Pipeline{
		Syncer:  syncer,
		Journal: j,
		Tracker: client,
		db:      db,
	}, nil
}

func (p *Pipeline) Close() error {
	return p.db.Close()
}
