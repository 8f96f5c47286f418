package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gaoqiangz/svn-commit-wt/internal/commit"
	"github.com/gaoqiangz/svn-commit-wt/internal/errors"
	"github.com/gaoqiangz/svn-commit-wt/internal/logging"
	"github.com/gaoqiangz/svn-commit-wt/internal/service"
	shared "github.com/gaoqiangz/svn-commit-wt/shared/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPreparer struct {
	err error
	got *shared.CommitRequest
}

func (p *stubPreparer) Prepare(_ context.Context, req *shared.CommitRequest) (*commit.Target, error) {
	p.got = req
	if p.err != nil {
		return nil, p.err
	}
	return &commit.Target{
		RepoPath:   req.RepoPath,
		Repository: req.RepoName,
		Revision:   req.Rev,
		Branch:     "trunk",
		Meta:       commit.Meta{ContentID: "42        abcdef"},
	}, nil
}

type stubSubmitter struct {
	err       error
	submitted []*commit.Target
}

func (s *stubSubmitter) Submit(target *commit.Target) error {
	if s.err != nil {
		return s.err
	}
	s.submitted = append(s.submitted, target)
	return nil
}

func TestCommitHandler(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		prepareErr   error
		submitErr    error
		wantStatus   int
		wantResponse shared.Response
		wantSubmit   bool
	}{
		{
			name:         "accepted",
			body:         `{"repo_path":"/srv/svn/repo","repo_name":"repo","rev":"42"}`,
			wantStatus:   http.StatusOK,
			wantResponse: shared.Response{Status: 0, Msg: "ok", Sha: "42        abcdef"},
			wantSubmit:   true,
		},
		{
			name:         "extraction failure",
			body:         `{"repo_path":"/srv/svn/repo","repo_name":"repo","rev":"42"}`,
			prepareErr:   errors.Extraction("svnlook log /srv/svn/repo -r 42", "svnlook: E160006: No such revision 42"),
			wantStatus:   http.StatusBadRequest,
			wantResponse: shared.Response{Status: -1, Msg: "svnlook log /srv/svn/repo -r 42: svnlook: E160006: No such revision 42"},
		},
		{
			name:         "internal failure",
			body:         `{"repo_path":"/srv/svn/repo","repo_name":"repo","rev":"42"}`,
			prepareErr:   errors.Internal("building commit record", nil),
			wantStatus:   http.StatusInternalServerError,
			wantResponse: shared.Response{Status: -1, Msg: "building commit record"},
		},
		{
			name:         "shutting down",
			body:         `{"repo_path":"/srv/svn/repo","repo_name":"repo","rev":"42"}`,
			submitErr:    service.ErrClosed,
			wantStatus:   http.StatusServiceUnavailable,
			wantResponse: shared.Response{Status: -1, Msg: service.ErrClosed.Error()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			preparer := &stubPreparer{err: tt.prepareErr}
			submitter := &stubSubmitter{err: tt.submitErr}
			h := NewCommitHandler(preparer, submitter, logging.Nop())

			req := httptest.NewRequest(http.MethodPost, "/commit", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			h.Commit(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp shared.Response
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantResponse, resp)
			assert.Equal(t, tt.wantSubmit, len(submitter.submitted) == 1)
		})
	}
}

func TestCommitHandler_InvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"repo_path":`},
		{name: "missing repo name", body: `{"repo_path":"/srv/svn/repo","rev":"42"}`},
		{name: "non-numeric rev", body: `{"repo_path":"/srv/svn/repo","repo_name":"repo","rev":"HEAD"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			preparer := &stubPreparer{}
			h := NewCommitHandler(preparer, &stubSubmitter{}, logging.Nop())

			req := httptest.NewRequest(http.MethodPost, "/commit", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			h.Commit(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var resp shared.Response
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, shared.StatusError, resp.Status)
			assert.NotEmpty(t, resp.Msg)
			assert.Nil(t, preparer.got)
		})
	}
}

func TestRouter(t *testing.T) {
	preparer := &stubPreparer{}
	router := NewRouter(NewCommitHandler(preparer, &stubSubmitter{}, logging.Nop()), logging.Nop())

	tests := []struct {
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{method: http.MethodGet, path: "/health", wantStatus: http.StatusOK},
		{method: http.MethodGet, path: "/metrics", wantStatus: http.StatusOK},
		{method: http.MethodPost, path: "/commit", body: `{"repo_path":"/r","repo_name":"r","rev":"1"}`, wantStatus: http.StatusOK},
		{method: http.MethodGet, path: "/commit", wantStatus: http.StatusMethodNotAllowed},
		{method: http.MethodGet, path: "/unknown", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestRouter_KeepsCallerRequestID(t *testing.T) {
	router := NewRouter(NewCommitHandler(&stubPreparer{}, &stubSubmitter{}, logging.Nop()), logging.Nop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "hook-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "hook-1", rec.Header().Get("X-Request-ID"))
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}
