package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	shared "github.com/gaoqiangz/svn-commit-wt/shared/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalURL(t *testing.T) {
	got, err := LocalURL("0.0.0.0:1086")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:1086", got)

	_, err = LocalURL("1086")
	assert.Error(t, err)
}

func TestClient_NotifyCommit(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		body         string
		wantSha      string
		wantRejected bool
		wantUnavail  bool
	}{
		{name: "accepted", status: http.StatusOK, body: `{"status":0,"msg":"ok","sha":"abc"}`, wantSha: "abc"},
		{name: "rejected", status: http.StatusBadRequest, body: `{"status":-1,"msg":"no such revision"}`, wantRejected: true},
		{name: "shutting down", status: http.StatusServiceUnavailable, body: `{"status":-1,"msg":"closed"}`, wantUnavail: true},
		{name: "not our service", status: http.StatusOK, body: `<html>`, wantUnavail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got shared.CommitRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/commit", r.URL.Path)
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			req := &shared.CommitRequest{RepoPath: "/srv/svn/repo", RepoName: "repo", Rev: "42"}
			resp, err := New(srv.URL).NotifyCommit(context.Background(), req)
			assert.Equal(t, *req, got)

			switch {
			case tt.wantRejected:
				var rejected *RejectedError
				require.ErrorAs(t, err, &rejected)
				assert.Equal(t, "no such revision", rejected.Msg)
				assert.NotErrorIs(t, err, ErrUnavailable)
			case tt.wantUnavail:
				assert.ErrorIs(t, err, ErrUnavailable)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantSha, resp.Sha)
			}
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).NotifyCommit(context.Background(), &shared.CommitRequest{RepoPath: "/r", RepoName: "r", Rev: "1"})
	assert.ErrorIs(t, err, ErrUnavailable)
}
