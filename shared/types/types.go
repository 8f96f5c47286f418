// Package shared holds the wire types of the local notification endpoint.
package shared

// CommitRequest is what the post-commit hook posts to /commit.
type CommitRequest struct {
	RepoPath string `json:"repo_path" validate:"required"`
	RepoName string `json:"repo_name" validate:"required"`
	Rev      string `json:"rev" validate:"required,numeric"`
}

// Response statuses.
const (
	StatusOK    = 0
	StatusError = -1
)

// Response is the endpoint's reply. Sha is set when a commit was accepted.
type Response struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
	Sha    string `json:"sha,omitempty"`
}

// Health is the /health reply.
type Health struct {
	Status string `json:"status"`
}
