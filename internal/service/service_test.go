package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gaoqiangz/svn-commit-wt/internal/commit"
	"github.com/gaoqiangz/svn-commit-wt/internal/errors"
	"github.com/gaoqiangz/svn-commit-wt/internal/journal"
	"github.com/gaoqiangz/svn-commit-wt/internal/storage"
	"github.com/gaoqiangz/svn-commit-wt/internal/svn"
	"github.com/gaoqiangz/svn-commit-wt/internal/tracker"
	shared "github.com/gaoqiangz/svn-commit-wt/shared/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// svnlookStub answers svnlook subcommands with canned output.
type svnlookStub struct {
	outputs map[string]string
	fail    string
}

func (s *svnlookStub) Run(_ context.Context, args ...string) ([]byte, []byte, error) {
	if args[0] == s.fail {
		return nil, []byte("svnlook: E160006: No such revision 42\n"), fmt.Errorf("exit status 1")
	}
	return []byte(s.outputs[args[0]]), nil, nil
}

func newStub() *svnlookStub {
	return &svnlookStub{outputs: map[string]string{
		"log":          "#X-7 fix\n",
		"author":       "alice\n",
		"date":         "2020-05-17 14:27:23 +0800 (Sun, 17 May 2020)\n",
		"changed":      "A  trunk/a.txt\nD  trunk/b.txt/\n",
		"dirs-changed": "trunk/\n",
	}}
}

type trackerStub struct {
	mu      sync.Mutex
	err     error
	commits []string
	metas   []commit.Meta
	active  int32
	peak    int32
	delay   time.Duration
}

func (t *trackerStub) Commit(_ context.Context, repository, branch string, meta *commit.Meta) error {
	n := atomic.AddInt32(&t.active, 1)
	defer atomic.AddInt32(&t.active, -1)
	for {
		peak := atomic.LoadInt32(&t.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&t.peak, peak, n) {
			break
		}
	}
	time.Sleep(t.delay)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.commits = append(t.commits, repository+"/"+branch)
	t.metas = append(t.metas, *meta)
	return nil
}

func newTestJournal(t *testing.T) *journal.Journal {
	t.Helper()
	db, err := storage.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	j, err := journal.New(db, journal.Options{})
	require.NoError(t, err)
	return j
}

func newTestSyncer(t *testing.T, runner svn.Runner, tr Tracker, j Journal) *Syncer {
	t.Helper()
	extractor, err := svn.NewExtractor(runner, "gbk", nil)
	require.NoError(t, err)
	return NewSyncer(extractor, commit.NewTransformer(""), tr, j, nil)
}

var request = &shared.CommitRequest{RepoPath: "/srv/svn/repo", RepoName: "repo", Rev: "42"}

func TestSyncer_Sync(t *testing.T) {
	tr := &trackerStub{}
	j := newTestJournal(t)
	s := newTestSyncer(t, newStub(), tr, j)

	target, err := s.Sync(context.Background(), request)
	require.NoError(t, err)

	assert.Equal(t, "repo@42", target.ID())
	assert.Equal(t, "trunk", target.Branch)
	assert.Equal(t, []string{"repo/trunk"}, tr.commits)

	meta := tr.metas[0]
	assert.Equal(t, "#X-7 fix", meta.Message)
	assert.Equal(t, "alice", meta.CommitterName)
	assert.Equal(t, int64(1589696843), meta.CommittedAt.Unix())
	assert.Equal(t, []string{"trunk/a.txt"}, meta.FilesAdded)
	assert.Equal(t, []string{"trunk/b.txt"}, meta.FilesRemoved)
	assert.Equal(t, []string{}, meta.FilesModified)
	assert.Equal(t, []string{"X-7"}, meta.WorkItemIdentifiers)
	assert.Len(t, meta.ContentID, 40)
	assert.True(t, strings.HasPrefix(meta.ContentID, "42        "))

	e, err := j.Get("repo@42")
	require.NoError(t, err)
	assert.Equal(t, journal.StatusDelivered, e.Status)
	assert.Equal(t, meta.ContentID, e.Meta.ContentID)
}

func TestSyncer_RenotifiedRevisionKeepsContentID(t *testing.T) {
	tr := &trackerStub{}
	s := newTestSyncer(t, newStub(), tr, newTestJournal(t))

	first, err := s.Sync(context.Background(), request)
	require.NoError(t, err)
	second, err := s.Sync(context.Background(), request)
	require.NoError(t, err)

	assert.Equal(t, first.Meta.ContentID, second.Meta.ContentID)
}

func TestSyncer_ExtractionFailure(t *testing.T) {
	stub := newStub()
	stub.fail = "author"
	tr := &trackerStub{}
	j := newTestJournal(t)
	s := newTestSyncer(t, stub, tr, j)

	_, err := s.Prepare(context.Background(), request)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExtraction))
	assert.Contains(t, err.Error(), "No such revision")

	assert.Empty(t, tr.commits)
	_, err = j.Get("repo@42")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestSyncer_DeliveryFailureIsJournaled(t *testing.T) {
	tr := &trackerStub{err: errors.API("POST /v1/scm/commits", "400001", nil)}
	j := newTestJournal(t)
	s := newTestSyncer(t, newStub(), tr, j)

	_, err := s.Sync(context.Background(), request)
	require.Error(t, err)

	e, err := j.Get("repo@42")
	require.NoError(t, err)
	assert.Equal(t, journal.StatusFailed, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Contains(t, e.LastError, "400001")

	// Replay delivers the failed entry with its original content id.
	tr.err = nil
	failed, err := j.List(journal.StatusFailed)
	require.NoError(t, err)
	require.NoError(t, s.Replay(context.Background(), failed, 2))

	e, err = j.Get("repo@42")
	require.NoError(t, err)
	assert.Equal(t, journal.StatusDelivered, e.Status)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, e.Meta.ContentID, tr.metas[0].ContentID)
}

func TestSyncer_ReplayReportsFailures(t *testing.T) {
	tr := &trackerStub{err: fmt.Errorf("tracker down")}
	s := newTestSyncer(t, newStub(), tr, newTestJournal(t))

	entries := []*journal.Entry{
		{ID: "repo@1", Repository: "repo", Revision: "1", Branch: "trunk"},
		{ID: "repo@2", Repository: "repo", Revision: "2", Branch: "trunk"},
	}
	err := s.Replay(context.Background(), entries, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 2 entries failed")
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	tr := &trackerStub{delay: 20 * time.Millisecond}
	s := NewSyncer(nil, nil, tr, nil, nil)
	d := NewDispatcher(s, 2, nil)

	for i := 0; i < 8; i++ {
		target := &commit.Target{Repository: "repo", Revision: fmt.Sprint(i), Branch: "trunk"}
		require.NoError(t, d.Submit(target))
	}
	d.Wait()

	assert.Len(t, tr.commits, 8)
	assert.LessOrEqual(t, atomic.LoadInt32(&tr.peak), int32(2))

	require.NoError(t, d.Shutdown(context.Background()))
	assert.ErrorIs(t, d.Submit(&commit.Target{}), ErrClosed)
}

func TestDispatcher_ShutdownDeadline(t *testing.T) {
	tr := &trackerStub{delay: 200 * time.Millisecond}
	d := NewDispatcher(NewSyncer(nil, nil, tr, nil, nil), 1, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Submit(&commit.Target{Repository: "repo", Revision: fmt.Sprint(i)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The delivery in progress finishes; queued ones are abandoned.
	assert.Len(t, tr.commits, 1)
}

// TestEndToEnd runs a notification through svnlook output, the tracker
// client and a fake tracker.
func TestEndToEnd(t *testing.T) {
	var (
		mu      sync.Mutex
		commits []map[string]any
		nextID  int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/auth/token":
			fmt.Fprintf(w, `{"access_token":"t","expires_in":%d}`, time.Now().Add(72*time.Hour).Unix())
		case r.Method == http.MethodGet:
			fmt.Fprint(w, `{"values":[]}`)
		case r.URL.Path == "/v1/scm/commits":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			commits = append(commits, body)
			fmt.Fprint(w, `{}`)
		case strings.HasSuffix(r.URL.Path, "/refs"):
			fmt.Fprint(w, `{}`)
		default:
			nextID++
			fmt.Fprintf(w, `{"id":"e%d"}`, nextID)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := tracker.New(tracker.Options{BaseURL: srv.URL, ProductName: "Demo", ClientID: "a", ClientSecret: "b"})
	require.NoError(t, err)

	s := newTestSyncer(t, newStub(), client, newTestJournal(t))
	d := NewDispatcher(s, 4, nil)

	target, err := s.Prepare(context.Background(), request)
	require.NoError(t, err)
	require.NoError(t, d.Submit(target))
	require.NoError(t, d.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, commits, 1)
	assert.Equal(t, target.Meta.ContentID, commits[0]["sha"])
	assert.Equal(t, "alice", commits[0]["committer_name"])
	assert.Equal(t, float64(1589696843), commits[0]["committed_at"])
	assert.Equal(t, tracker.TreeID("e2", "e3"), commits[0]["tree_id"])
	assert.Equal(t, []any{"X-7"}, commits[0]["work_item_identifiers"])
}
