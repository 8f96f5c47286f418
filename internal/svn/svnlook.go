// Package svn extracts commit metadata from a Subversion repository by
// running read-only svnlook queries against a single revision.
package svn

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/gaoqiangz/svn-commit-wt/internal/errors"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Runner executes one svnlook invocation. Implementations return the raw
// stdout and stderr bytes and a non-nil error when the process could not be
// started or exited non-zero.
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs the svnlook binary found at Binary.
type ExecRunner struct {
	Binary string
}

func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, r.Binary, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	err := command.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// svnlook wraps a Runner with output decoding and error classification.
type svnlook struct {
	runner  Runner
	charset encoding.Encoding
}

func newSvnlook(runner Runner, charset string) (*svnlook, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unknown svnlook output encoding %q: %w", charset, err)
	}
	return &svnlook{runner: runner, charset: enc}, nil
}

// run invokes "svnlook <subcommand> <repoPath> -r <rev>" and returns the
// decoded stdout with one trailing line terminator removed.
func (s *svnlook) run(ctx context.Context, subcommand, repoPath, rev string) (string, error) {
	args := []string{subcommand, repoPath, "-r", rev}
	op := "svnlook " + strings.Join(args, " ")

	stdout, stderr, runErr := s.runner.Run(ctx, args...)
	if runErr != nil {
		diag := stderr
		if len(diag) == 0 {
			diag = stdout
		}
		msg := strings.TrimSpace(s.decode(diag))
		if msg == "" {
			msg = "(EMPTY)"
		}
		if len(stderr) == 0 && len(stdout) == 0 {
			// Nothing was printed, the process most likely never started.
			msg = fmt.Sprintf("%s (%v)", msg, runErr)
		}
		return "", errors.Extraction(op, msg)
	}

	return trimLineEnd(s.decode(stdout)), nil
}

// decode never fails: invalid sequences come back as U+FFFD. Decoders are
// stateful, so each call gets its own.
func (s *svnlook) decode(b []byte) string {
	out, err := s.charset.NewDecoder().Bytes(b)
	if err != nil {
		return string(bytes.ToValidUTF8(b, []byte("�")))
	}
	return string(out)
}

func trimLineEnd(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
