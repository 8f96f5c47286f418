// Package client talks to a running service's notification endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	shared "github.com/gaoqiangz/svn-commit-wt/shared/types"
)

// ErrUnavailable means the notification never reached a service able to
// accept it. The caller may spool it and retry later.
var ErrUnavailable = stderrors.New("service unavailable")

// RejectedError is a notification the service refused, typically because
// the revision could not be read with svnlook. Retrying will not help.
type RejectedError struct {
	StatusCode int
	Msg        string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("commit rejected (HTTP %d): %s", e.StatusCode, e.Msg)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: time.Second * 30,
		},
	}
}

// LocalURL returns the loopback URL of a service listening on listen
// ("host:port"). The hook always runs on the repository host.
func LocalURL(listen string) (string, error) {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("parsing listen address %q: %w", listen, err)
	}
	return "http://" + net.JoinHostPort("127.0.0.1", port), nil
}

// NotifyCommit posts a commit notification and returns the accepted
// response.
func (c *Client) NotifyCommit(ctx context.Context, req *shared.CommitRequest) (*shared.Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/commit", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var result shared.Response
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	switch {
	case resp.StatusCode == http.StatusOK && decodeErr == nil && result.Status == shared.StatusOK:
		return &result, nil
	case resp.StatusCode == http.StatusBadRequest && decodeErr == nil:
		return nil, &RejectedError{StatusCode: resp.StatusCode, Msg: result.Msg}
	default:
		return nil, fmt.Errorf("%w: unexpected status: %s", ErrUnavailable, resp.Status)
	}
}
