// Package agent implements the node-side enforcement loop: it keeps the
// local WireGuard interface and the dedicated firewall chain converged on
// the plan served by the control plane.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/api"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
)

// maxBackoff caps retry delay for transient control plane errors.
const maxBackoff = 60 * time.Second

// Client talks to the control plane. Transient errors (5xx, network) are
// retried with exponential backoff and jitter; permanent errors (4xx) are
// not.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a control plane client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// SetToken installs the node bearer token received at approval.
func (c *Client) SetToken(token string) { c.token = token }

// Register enrolls this node. Idempotent server-side.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (*api.RegisterResponse, error) {
	var resp api.RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/agent/register", req, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sync fetches the current plan. A nil response with nil error means the
// plan is unchanged from lastHash.
func (c *Client) Sync(ctx context.Context, lastHash string) (*api.SyncResponse, error) {
	headers := map[string]string{}
	if lastHash != "" {
		headers["If-None-Match"] = lastHash
	}

	var resp api.SyncResponse
	status, err := c.do(ctx, http.MethodPost, "/api/v1/agent/sync", struct{}{}, headers, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotModified {
		return nil, nil
	}
	return &resp, nil
}

// Heartbeat reports liveness and metrics.
func (c *Client) Heartbeat(ctx context.Context, req api.HeartbeatRequest) (*api.HeartbeatResponse, error) {
	var resp api.HeartbeatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/agent/heartbeat", req, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StreamEvents opens the long-running event stream. The returned reader
// yields newline-delimited JSON frames; the caller owns closing it.
func (c *Client) StreamEvents(ctx context.Context, sinceID int64) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/api/v1/events?since_id=%d", c.baseURL, sinceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	// No client timeout: the stream is intentionally unbounded.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", errors.ErrTransient)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("stream status %d: %w", resp.StatusCode, classifyStatus(resp.StatusCode))
	}
	return resp.Body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	_, err := c.do(ctx, method, path, body, headers, out)
	return err
}

// do performs one request with retry on transient failures.
func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	backoff := time.Second
	attempt := 0
	for {
		attempt++
		status, retryAfter, err := c.once(ctx, method, path, payload, headers, out)
		if err == nil || !isTransient(err) {
			return status, err
		}

		delay := backoff
		if retryAfter > 0 {
			delay = retryAfter
		}
		delay += time.Duration(rand.Int63n(int64(delay) / 4))
		if delay > maxBackoff {
			delay = maxBackoff
		}

		c.logger.WarnContext(ctx, "control plane request failed, retrying",
			"path", path, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, headers map[string]string, out any) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("%v: %w", err, errors.ErrTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	var retryAfter time.Duration
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := time.ParseDuration(ra + "s"); err == nil {
			retryAfter = secs
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return resp.StatusCode, 0, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, 0, fmt.Errorf("decode response: %w", errors.ErrTransient)
			}
		}
		return resp.StatusCode, 0, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, retryAfter,
			fmt.Errorf("%s %s: status %d: %s: %w", method, path, resp.StatusCode, bytes.TrimSpace(body), classifyStatus(resp.StatusCode))
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func classifyStatus(status int) error {
	switch {
	case status >= 500:
		return errors.ErrTransient
	case status == http.StatusUnauthorized:
		return errors.ErrUnauthorized
	case status == http.StatusForbidden:
		return errors.ErrForbidden
	case status == http.StatusConflict:
		return errors.ErrConflict
	case status == http.StatusNotFound:
		return errors.ErrNotFound
	default:
		return errors.ErrInvalidInput
	}
}

func isTransient(err error) bool {
	return err != nil && stderrors.Is(err, errors.ErrTransient)
}
