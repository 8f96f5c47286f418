package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gaoqiangz/svn-commit-wt/internal/commit"
	"github.com/gaoqiangz/svn-commit-wt/internal/errors"
	"github.com/gaoqiangz/svn-commit-wt/internal/logging"
	"github.com/gaoqiangz/svn-commit-wt/internal/middleware"
	"github.com/gaoqiangz/svn-commit-wt/internal/validation"
	shared "github.com/gaoqiangz/svn-commit-wt/shared/types"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Preparer interface {
	Prepare(ctx context.Context, req *shared.CommitRequest) (*commit.Target, error)
}

type Submitter interface {
	Submit(target *commit.Target) error
}

// CommitHandler accepts post-commit notifications. The revision is
// extracted before replying so svnlook failures reach the hook; delivery to
// the tracker happens in the background.
type CommitHandler struct {
	preparer  Preparer
	submitter Submitter
	logger    *logging.Logger
}

func NewCommitHandler(preparer Preparer, submitter Submitter, logger *logging.Logger) *CommitHandler {
	return &CommitHandler{preparer: preparer, submitter: submitter, logger: logger}
}

func (h *CommitHandler) Commit(w http.ResponseWriter, r *http.Request) {
	log := h.logger.WithRequestID(r.Context())

	req, err := validation.DecodeCommitRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, shared.Response{Status: shared.StatusError, Msg: err.Error()})
		return
	}

	target, err := h.preparer.Prepare(r.Context(), req)
	if err != nil {
		log.Warn("commit rejected",
			zap.String("repository", req.RepoName),
			zap.String("rev", req.Rev),
			zap.Error(err),
		)
		writeJSON(w, errors.StatusCode(err), shared.Response{Status: shared.StatusError, Msg: err.Error()})
		return
	}

	if err := h.submitter.Submit(target); err != nil {
		log.Warn("commit not scheduled", zap.String("id", target.ID()), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, shared.Response{Status: shared.StatusError, Msg: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, shared.Response{Status: shared.StatusOK, Msg: "ok", Sha: target.Meta.ContentID})
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, shared.Health{Status: "healthy"})
}

// NewRouter wires the endpoint's routes and middleware.
func NewRouter(h *CommitHandler, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /commit", h.Commit)
	mux.HandleFunc("GET /health", Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.Chain(
		mux,
		middleware.Logger(logger),
		middleware.Recover(logger),
		middleware.RequestID,
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
