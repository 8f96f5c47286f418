package svn

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/gaoqiangz/svn-commit-wt/internal/errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// dateLayout matches "svnlook date" output once the localized
// "(Sun, 17 May 2020)" annotation has been cut off.
const dateLayout = "2006-01-02 15:04:05 -0700"

var branchPattern = regexp.MustCompile(`(?m)(?:^|/)(?:branches|tags)/([^/\r\n]+)/`)

// ChangeSet partitions "svnlook changed" output by change kind.
type ChangeSet struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Revision is the raw metadata of one committed revision.
type Revision struct {
	Message     string
	Author      string
	CommittedAt time.Time
	Changes     ChangeSet
	// Branch is the branch or tag name derived from the changed
	// directories, empty when the revision only touched trunk or the root.
	Branch string
}

type Extractor struct {
	look   *svnlook
	logger *zap.Logger
}

// NewExtractor returns an Extractor decoding svnlook output with the named
// charset (any WHATWG encoding label, e.g. "gbk" or "utf-8").
func NewExtractor(runner Runner, charset string, logger *zap.Logger) (*Extractor, error) {
	look, err := newSvnlook(runner, charset)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{look: look, logger: logger}, nil
}

// Extract runs the log, author, date, changed and dirs-changed queries for
// rev. The queries are independent and run concurrently; the first failure
// cancels the rest.
func (e *Extractor) Extract(ctx context.Context, repoPath, rev string) (*Revision, error) {
	var r Revision
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		r.Message, err = e.Message(gctx, repoPath, rev)
		return err
	})
	g.Go(func() (err error) {
		r.Author, err = e.Author(gctx, repoPath, rev)
		return err
	})
	g.Go(func() (err error) {
		r.CommittedAt, err = e.Date(gctx, repoPath, rev)
		return err
	})
	g.Go(func() (err error) {
		r.Changes, err = e.Changed(gctx, repoPath, rev)
		return err
	})
	g.Go(func() (err error) {
		r.Branch, _, err = e.Branch(gctx, repoPath, rev)
		return err
	})

	if err := g.Wait(); err != nil {
		e.logger.Warn("extracting revision failed",
			zap.String("repo_path", repoPath),
			zap.String("rev", rev),
			zap.Error(err),
		)
		return nil, err
	}
	return &r, nil
}

func (e *Extractor) Message(ctx context.Context, repoPath, rev string) (string, error) {
	return e.look.run(ctx, "log", repoPath, rev)
}

func (e *Extractor) Author(ctx context.Context, repoPath, rev string) (string, error) {
	return e.look.run(ctx, "author", repoPath, rev)
}

func (e *Extractor) Date(ctx context.Context, repoPath, rev string) (time.Time, error) {
	out, err := e.look.run(ctx, "date", repoPath, rev)
	if err != nil {
		return time.Time{}, err
	}
	return ParseDate(out)
}

func (e *Extractor) Changed(ctx context.Context, repoPath, rev string) (ChangeSet, error) {
	out, err := e.look.run(ctx, "changed", repoPath, rev)
	if err != nil {
		return ChangeSet{}, err
	}
	return ParseChanged(out), nil
}

// Branch reports the branch or tag the revision was committed to. ok is
// false when no branches/ or tags/ path was changed.
func (e *Extractor) Branch(ctx context.Context, repoPath, rev string) (string, bool, error) {
	out, err := e.look.run(ctx, "dirs-changed", repoPath, rev)
	if err != nil {
		return "", false, err
	}
	name, ok := DetectBranch(out)
	return name, ok, nil
}

// ParseDate parses "2020-05-17 14:27:23 +0800 (Sun, 17 May 2020)".
func ParseDate(s string) (time.Time, error) {
	if i := strings.Index(s, " ("); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, errors.Extraction("svnlook date", "parsing date "+s+": "+err.Error())
	}
	return t, nil
}

// ParseChanged classifies "svnlook changed" lines by their leading status
// letter. Lines starting with anything but A, D or U are dropped.
func ParseChanged(out string) ChangeSet {
	cs := ChangeSet{
		Added:    []string{},
		Removed:  []string{},
		Modified: []string{},
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}

		var target *[]string
		switch line[0] {
		case 'A':
			target = &cs.Added
		case 'D':
			target = &cs.Removed
		case 'U':
			target = &cs.Modified
		default:
			continue
		}

		path := strings.TrimLeft(line[1:], " \t")
		path = strings.TrimSuffix(path, "/")
		*target = append(*target, path)
	}
	return cs
}

// DetectBranch returns the first <name> found in a ".../branches/<name>/..."
// or ".../tags/<name>/..." path.
func DetectBranch(out string) (string, bool) {
	m := branchPattern.FindStringSubmatch(out)
	if m == nil {
		return "", false
	}
	return m[1], true
}
