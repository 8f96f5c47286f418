// Package tracker is a client for the tracker's SCM integration API. It
// resolves product, user, repository and branch ids (creating them on first
// use), keeps a client-credentials bearer token fresh, and submits commits
// with their branch references.
package tracker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gaoqiangz/svn-commit-wt/internal/errors"
	"github.com/gaoqiangz/svn-commit-wt/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultBaseURL is the public tracker API.
const DefaultBaseURL = "https://open.worktile.com"

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 4 << 20
	tokenPath       = "v1/auth/token"
)

// authCodes are the tracker error codes meaning the bearer token was
// rejected: invalid, expired, and authorization failed.
var authCodes = map[string]bool{
	"100026": true,
	"100028": true,
	"100032": true,
}

type Options struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	// ProductName is the display name of the SCM product commits are filed
	// under. Required.
	ProductName string

	// ClientID and ClientSecret are the client-credentials pair. Required.
	ClientID     string
	ClientSecret string

	// Timeout bounds every HTTP request, and each shared find-or-create
	// round trip. Defaults to 30s.
	Timeout time.Duration

	InsecureSkipVerify bool

	// HTTPClient overrides the client built from Timeout and
	// InsecureSkipVerify.
	HTTPClient *http.Client

	Logger *zap.Logger

	// Now is the time source for token freshness. Defaults to time.Now.
	Now func() time.Time
}

// Client is safe for concurrent use and meant to be shared by every
// synchronization in the process.
type Client struct {
	baseURL      string
	productName  string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	timeout      time.Duration
	logger       *zap.Logger
	now          func() time.Time

	tokens *tokenManager
	cache  *resolutionCache
	flight singleflight.Group
}

func New(opts Options) (*Client, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, errors.ValidationError("tracker API url is invalid: "+baseURL, nil)
	}
	if opts.ProductName == "" {
		return nil, errors.ValidationError("tracker product name is not set", nil)
	}
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, errors.ValidationError("tracker client credentials are not set", nil)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Client{
		baseURL:      baseURL,
		productName:  opts.ProductName,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		httpClient:   httpClient,
		timeout:      timeout,
		logger:       logger,
		now:          now,
		cache:        newResolutionCache(),
	}
	c.tokens = newTokenManager(c.fetchToken, now)
	return c, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	// ExpiresIn is an absolute unix timestamp, not a duration.
	ExpiresIn int64 `json:"expires_in"`
}

// fetchToken performs the client-credentials exchange. It is the only call
// that does not go through the auth-retry loop.
func (c *Client) fetchToken(ctx context.Context) (*AccessToken, error) {
	op := http.MethodPost + " /" + tokenPath
	query := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	resp, err := c.send(ctx, http.MethodPost, tokenPath, query, nil, "")
	if err != nil {
		return nil, errors.Auth(op, err)
	}
	if code, msg := resp.errorCode(); code != "" {
		authErr := errors.Auth(op, stderrors.New(msg))
		authErr.TrackerCode = code
		return nil, authErr
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.body, &tr); err != nil {
		return nil, errors.Auth(op, fmt.Errorf("decoding token response: %w", err))
	}
	if tr.AccessToken == "" {
		return nil, errors.Auth(op, fmt.Errorf("empty access token (HTTP %d)", resp.status))
	}

	c.logger.Info("access token refreshed", zap.Time("expires_at", time.Unix(tr.ExpiresIn, 0)))
	return &AccessToken{Value: tr.AccessToken, ExpiresAt: time.Unix(tr.ExpiresIn, 0)}, nil
}

// call issues an authenticated request and decodes the JSON response into
// out (when non-nil). If the tracker rejects the token the observed token is
// invalidated and the request is retried once with a new one.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := method + " /" + path

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return errors.API(op, "", fmt.Errorf("encoding request: %w", err))
		}
	}

	for retried := false; ; retried = true {
		token, err := c.tokens.Acquire(ctx)
		if err != nil {
			return err
		}

		resp, err := c.send(ctx, method, path, query, payload, token)
		if err != nil {
			return errors.API(op, "", err)
		}

		if code, msg := resp.errorCode(); code != "" {
			if authCodes[code] && !retried {
				c.tokens.Invalidate(token)
				c.logger.Info("access token rejected, retrying with a new token",
					zap.String("op", op),
					zap.String("code", code),
				)
				continue
			}
			var cause error
			if msg != "" {
				cause = stderrors.New(msg)
			}
			return errors.API(op, code, cause)
		}

		if resp.status < 200 || resp.status >= 300 {
			return errors.API(op, "", fmt.Errorf("unexpected status %d", resp.status))
		}

		if out != nil {
			if err := json.Unmarshal(resp.body, out); err != nil {
				return errors.API(op, "", fmt.Errorf("decoding response: %w", err))
			}
		}
		return nil
	}
}

type response struct {
	status int
	body   []byte
}

// errorCode returns the tracker error code and message carried in the
// response body, if any. Codes may be sent as strings or numbers.
func (r *response) errorCode() (string, string) {
	var status struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(r.body, &status); err != nil || len(status.Code) == 0 {
		return "", ""
	}

	var code string
	if err := json.Unmarshal(status.Code, &code); err != nil {
		var n json.Number
		if err := json.Unmarshal(status.Code, &n); err != nil {
			return "", ""
		}
		code = n.String()
	}
	return code, status.Message
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, payload []byte, token string) (*response, error) {
	target := c.baseURL + "/" + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.TrackerRequest(method, startTime, err)
	if err != nil {
		var uerr *url.Error
		if stderrors.As(err, &uerr) {
			uerr.URL = redactURL(uerr.URL)
		}
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	fields := []zap.Field{
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(startTime)),
	}
	if path != tokenPath {
		fields = append(fields, zap.String("query", query.Encode()), zap.ByteString("request", payload), zap.ByteString("response", data))
	}
	if resp.StatusCode >= 300 {
		c.logger.Warn("tracker request", fields...)
	} else {
		c.logger.Debug("tracker request", fields...)
	}

	return &response{status: resp.StatusCode, body: data}, nil
}

// redactURL masks the client secret in a request URL so transport errors
// can be logged and journaled.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparseable url)"
	}
	q := u.Query()
	if !q.Has("client_secret") {
		return raw
	}
	q.Set("client_secret", "REDACTED")
	u.RawQuery = q.Encode()
	return u.String()
}

// entityID accepts ids encoded as JSON strings or numbers.
type entityID string

func (id *entityID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = entityID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", b)
	}
	*id = entityID(n.String())
	return nil
}

type idResponse struct {
	ID entityID `json:"id"`
}

type idListResponse struct {
	Values []idResponse `json:"values"`
}

// findFirst queries a collection and returns the first result's id.
func (c *Client) findFirst(ctx context.Context, path string, query url.Values) (string, bool, error) {
	var list idListResponse
	if err := c.call(ctx, http.MethodGet, path, query, nil, &list); err != nil {
		return "", false, err
	}
	if len(list.Values) == 0 || list.Values[0].ID == "" {
		return "", false, nil
	}
	return string(list.Values[0].ID), true, nil
}

// create posts a new entity and returns the id the tracker issued.
func (c *Client) create(ctx context.Context, path string, body any) (string, error) {
	var created idResponse
	if err := c.call(ctx, http.MethodPost, path, nil, body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.API(http.MethodPost+" /"+path, "", stderrors.New("response carries no id"))
	}
	return string(created.ID), nil
}
