package coordinator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cohortnet/node/internal/metrics"
	"github.com/cohortnet/node/types"
)

const (
	defaultRetries = 3
	defaultTimeout = 30 * time.Second
	retryBackoff   = 250 * time.Millisecond
)

// Config configures the coordinator client.
type Config struct {
	// BaseURL of the coordinator API, e.g. https://coordinator.example.org/api.
	BaseURL string `yaml:"base_url"`
	// Token is the node's bearer token.
	Token string `yaml:"token"`
	// Retries is the fixed retry count on retriable failures.
	Retries int `yaml:"retries"`
	// Timeout per attempt.
	Timeout time.Duration `yaml:"timeout"`
}

// Response is the outcome of one (possibly retried) coordinator request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the response carries a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client talks to the coordinator. All methods retry a fixed number of
// times on timeouts, connection errors, and non-2xx responses.
type Client struct {
	base    string
	token   string
	retries int
	http    *http.Client
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewClient validates the config and builds a client.
func NewClient(cfg Config, collector *metrics.Collector, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, types.NewError(types.ErrConfiguration,
			fmt.Sprintf("invalid coordinator base URL %q", cfg.BaseURL)).WithCause(err)
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		retries: cfg.Retries,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "coordinator_client")),
		metrics: collector,
	}, nil
}

// Request performs one coordinator call with the fixed retry policy.
// When every attempt yields a non-2xx response, the last response is
// returned alongside a nil error so that relaying callers can pass it
// through; an error is only returned when no response was obtained at
// all.
func (c *Client) Request(ctx context.Context, method, path string, header http.Header, body []byte) (*Response, error) {
	var last *Response
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.metrics.ProxyRetry()
			c.logger.Debug("retrying coordinator request",
				zap.String("method", method), zap.String("path", path),
				zap.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff):
			}
		}

		resp, err := c.attempt(ctx, method, path, header, body)
		if err != nil {
			lastErr = err
			continue
		}
		last = resp
		if resp.OK() {
			return resp, nil
		}
	}

	if last != nil {
		return last, nil
	}
	return nil, types.NewError(types.ErrCoordinator,
		fmt.Sprintf("%s %s failed after %d attempts", method, path, c.retries+1)).
		WithCause(lastErr).WithRetryable(true)
}

func (c *Client) attempt(ctx context.Context, method, path string, header http.Header, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/"+strings.TrimLeft(path, "/"), reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}

// RunPatch is the terminal-state report for one run.
type RunPatch struct {
	Status     types.RunStatus `json:"status"`
	Result     string          `json:"result,omitempty"`
	Log        string          `json:"log,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// PatchRun reports a run's status (and, for terminal runs, result and
// logs) to the coordinator.
func (c *Client) PatchRun(ctx context.Context, runID int64, patch RunPatch) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	resp, err := c.Request(ctx, http.MethodPatch, fmt.Sprintf("/run/%d", runID), nil, body)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return types.NewError(types.ErrCoordinator,
			fmt.Sprintf("run patch rejected with status %d", resp.StatusCode)).
			WithRun(runID).WithRetryable(true)
	}
	return nil
}

// PostColumns publishes a dataframe's column metadata after a session
// mutation.
func (c *Client) PostColumns(ctx context.Context, sessionID int64, handle string, cols []types.Column) error {
	body, err := json.Marshal(cols)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/session/%d/dataframe/%s/column", sessionID, url.PathEscape(handle))
	resp, err := c.Request(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return types.NewError(types.ErrCoordinator,
			fmt.Sprintf("column metadata rejected with status %d", resp.StatusCode)).
			WithRetryable(true)
	}
	return nil
}

// OpenRuns fetches the runs assigned to this node that have not
// reached a terminal state yet. Called at startup and between task
// notifications so that dispatches missed while offline are picked up.
func (c *Client) OpenRuns(ctx context.Context) ([]types.Run, error) {
	resp, err := c.Request(ctx, http.MethodGet, "/run?state=open", nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, types.NewError(types.ErrCoordinator,
			fmt.Sprintf("open-run listing failed with status %d", resp.StatusCode)).
			WithRetryable(true)
	}

	var page struct {
		Data []types.Run `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &page); err == nil && page.Data != nil {
		return page.Data, nil
	}
	var runs []types.Run
	if err := json.Unmarshal(resp.Body, &runs); err != nil {
		return nil, fmt.Errorf("malformed run listing: %w", err)
	}
	return runs, nil
}

// OrganizationKey fetches an organization's public key (PEM bytes). The
// coordinator stores keys base64 wrapped.
func (c *Client) OrganizationKey(ctx context.Context, orgID int64) ([]byte, error) {
	resp, err := c.Request(ctx, http.MethodGet, fmt.Sprintf("/organization/%d", orgID), nil, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, types.NewError(types.ErrCoordinator,
			fmt.Sprintf("organization lookup failed with status %d", resp.StatusCode))
	}

	var org struct {
		ID        int64  `json:"id"`
		PublicKey string `json:"public_key"`
	}
	if err := json.Unmarshal(resp.Body, &org); err != nil {
		return nil, fmt.Errorf("malformed organization response: %w", err)
	}
	if org.PublicKey == "" {
		return nil, fmt.Errorf("organization %d has no public key", orgID)
	}
	pem, err := base64.StdEncoding.DecodeString(org.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("organization %d public key is not base64: %w", orgID, err)
	}
	return pem, nil
}
