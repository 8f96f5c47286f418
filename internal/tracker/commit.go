package tracker

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gaoqiangz/svn-commit-wt/internal/commit"

	"go.uber.org/zap"
)

type commitRequest struct {
	SHA                 string   `json:"sha"`
	Message             string   `json:"message"`
	CommitterName       string   `json:"committer_name"`
	CommittedAt         int64    `json:"committed_at"`
	TreeID              string   `json:"tree_id"`
	FilesAdded          []string `json:"files_added"`
	FilesRemoved        []string `json:"files_removed"`
	FilesModified       []string `json:"files_modified"`
	WorkItemIdentifiers []string `json:"work_item_identifiers"`
}

type refRequest struct {
	MetaType string `json:"meta_type"`
	MetaID   string `json:"meta_id"`
	SHA      string `json:"sha"`
}

// TreeID correlates a commit with its branch reference: the hex SHA-1 of
// "<repositoryID>/<branchID>".
func TreeID(repositoryID, branchID string) string {
	sum := sha1.Sum([]byte(repositoryID + "/" + branchID))
	return hex.EncodeToString(sum[:])
}

// Commit files meta under repository and branch, then points the branch
// reference at it. Ids are resolved in dependency order; the committer is
// registered even though its id is not part of the commit record.
func (c *Client) Commit(ctx context.Context, repository, branch string, meta *commit.Meta) error {
	productID, err := c.ProductID(ctx)
	if err != nil {
		return fmt.Errorf("resolving product: %w", err)
	}
	repositoryID, err := c.RepositoryID(ctx, repository)
	if err != nil {
		return fmt.Errorf("resolving repository %q: %w", repository, err)
	}
	branchID, err := c.BranchID(ctx, repository, branch)
	if err != nil {
		return fmt.Errorf("resolving branch %q: %w", branch, err)
	}
	if _, err := c.UserID(ctx, meta.CommitterName); err != nil {
		return fmt.Errorf("resolving user %q: %w", meta.CommitterName, err)
	}

	treeID := TreeID(repositoryID, branchID)
	req := commitRequest{
		SHA:                 meta.ContentID,
		Message:             meta.Message,
		CommitterName:       meta.CommitterName,
		CommittedAt:         meta.CommittedAt.Unix(),
		TreeID:              treeID,
		FilesAdded:          orEmpty(meta.FilesAdded),
		FilesRemoved:        orEmpty(meta.FilesRemoved),
		FilesModified:       orEmpty(meta.FilesModified),
		WorkItemIdentifiers: orEmpty(meta.WorkItemIdentifiers),
	}
	if err := c.call(ctx, http.MethodPost, "v1/scm/commits", nil, req, nil); err != nil {
		return fmt.Errorf("submitting commit: %w", err)
	}

	refPath := fmt.Sprintf("v1/scm/products/%s/repositories/%s/refs",
		url.PathEscape(productID), url.PathEscape(repositoryID))
	ref := refRequest{MetaType: "branch", MetaID: branchID, SHA: meta.ContentID}
	if err := c.call(ctx, http.MethodPost, refPath, nil, ref, nil); err != nil {
		return fmt.Errorf("updating branch reference: %w", err)
	}

	c.logger.Info("commit submitted",
		zap.String("repository", repository),
		zap.String("branch", branch),
		zap.String("sha", meta.ContentID),
		zap.String("tree_id", treeID),
	)
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
