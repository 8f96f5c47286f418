// Package commit turns raw svnlook output into the commit record submitted
// to the tracker.
package commit

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/gaoqiangz/svn-commit-wt/internal/svn"
)

// DefaultBranch is used when a revision did not touch branches/ or tags/.
const DefaultBranch = "trunk"

const (
	revisionWidth = 10
	entropyBytes  = 15
)

var workItemPattern = regexp.MustCompile(`#([A-Za-z0-9_]+-[0-9]+)`)

// Meta is the canonical commit record. It is built once per synchronization
// attempt and not modified afterwards.
type Meta struct {
	ContentID           string    `json:"sha"`
	Message             string    `json:"message"`
	CommitterName       string    `json:"committer_name"`
	CommittedAt         time.Time `json:"committed_at"`
	FilesAdded          []string  `json:"files_added"`
	FilesRemoved        []string  `json:"files_removed"`
	FilesModified       []string  `json:"files_modified"`
	WorkItemIdentifiers []string  `json:"work_item_identifiers"`
}

// Target is a commit record together with where it belongs.
type Target struct {
	RepoPath   string `json:"repo_path"`
	Repository string `json:"repository"`
	Revision   string `json:"revision"`
	Branch     string `json:"branch"`
	Meta       Meta   `json:"meta"`
}

// ID is the natural key of a target, "<repository>@<revision>".
func (t *Target) ID() string {
	return t.Repository + "@" + t.Revision
}

type Transformer struct {
	defaultBranch string
	entropy       io.Reader
}

// NewTransformer returns a Transformer that falls back to defaultBranch
// (DefaultBranch when empty) and draws content id entropy from crypto/rand.
func NewTransformer(defaultBranch string) *Transformer {
	if defaultBranch == "" {
		defaultBranch = DefaultBranch
	}
	return &Transformer{defaultBranch: defaultBranch, entropy: rand.Reader}
}

// WithEntropy replaces the random source used for content ids.
func (t *Transformer) WithEntropy(r io.Reader) *Transformer {
	t.entropy = r
	return t
}

// Transform builds the Target for rev. A non-empty contentID is reused
// instead of minting a new one, so a revision that is delivered again keeps
// the identifier the tracker already saw.
func (t *Transformer) Transform(repoPath, repository, rev string, raw *svn.Revision, contentID string) (*Target, error) {
	if contentID == "" {
		var err error
		contentID, err = ContentID(rev, t.entropy)
		if err != nil {
			return nil, err
		}
	}

	branch := raw.Branch
	if branch == "" {
		branch = t.defaultBranch
	}

	return &Target{
		RepoPath:   repoPath,
		Repository: repository,
		Revision:   rev,
		Branch:     branch,
		Meta: Meta{
			ContentID:           contentID,
			Message:             raw.Message,
			CommitterName:       raw.Author,
			CommittedAt:         raw.CommittedAt,
			FilesAdded:          nonNil(raw.Changes.Added),
			FilesRemoved:        nonNil(raw.Changes.Removed),
			FilesModified:       nonNil(raw.Changes.Modified),
			WorkItemIdentifiers: WorkItemIdentifiers(raw.Message),
		},
	}, nil
}

// ContentID shapes a revision number like a 40 character content hash: the
// revision right-padded with spaces to 10 characters (cut at 10), followed
// by 15 bytes from entropy as lowercase hex.
func ContentID(rev string, entropy io.Reader) (string, error) {
	if len(rev) > revisionWidth {
		rev = rev[:revisionWidth]
	}
	buf := make([]byte, entropyBytes)
	if _, err := io.ReadFull(entropy, buf); err != nil {
		return "", fmt.Errorf("reading content id entropy: %w", err)
	}
	return rev + strings.Repeat(" ", revisionWidth-len(rev)) + hex.EncodeToString(buf), nil
}

// WorkItemIdentifiers returns every "#KEY-123" reference in message without
// the leading '#', in order of appearance, duplicates kept.
func WorkItemIdentifiers(message string) []string {
	ids := []string{}
	for _, m := range workItemPattern.FindAllStringSubmatch(message, -1) {
		ids = append(ids, m[1])
	}
	return ids
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
