package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/evalbox/evalbox/internal/domain"
)

// Client speaks the runner HTTP API. One Client serves any number of
// runners; the base URL is chosen per call, which is how the dispatcher
// round-robins a pool with one shared connection pool.
type Client struct {
	hc *http.Client
}

// NewClient builds a traced client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Runner %s %s", r.Method, r.URL.Path)
		}),
	)
	return &Client{hc: &http.Client{Timeout: timeout, Transport: transport}}
}

var _ domain.RunnerAPI = (*Client)(nil)

// Run dispatches one execution. A held slot maps to domain.ErrRunnerBusy
// and a dead deadline to domain.ErrUpstreamTimeout so callers can tell
// retry from skip.
func (c *Client) Run(ctx domain.Context, baseURL string, req domain.RunRequest) (domain.RunAccepted, error) {
	var out domain.RunAccepted
	status, err := c.do(ctx, http.MethodPost, baseURL+"/run", req, &out)
	if err != nil {
		return domain.RunAccepted{}, fmt.Errorf("op=runner.Client.Run: %w", err)
	}
	switch status {
	case http.StatusOK:
		return out, nil
	case http.StatusServiceUnavailable:
		return domain.RunAccepted{}, fmt.Errorf("op=runner.Client.Run: %w", domain.ErrRunnerBusy)
	case http.StatusBadRequest:
		return domain.RunAccepted{}, fmt.Errorf("op=runner.Client.Run: %w", domain.ErrInvalidArgument)
	default:
		return domain.RunAccepted{}, fmt.Errorf("op=runner.Client.Run: %w: status %d", domain.ErrInternal, status)
	}
}

// Logs snapshots the buffered output of id on the given runner.
func (c *Client) Logs(ctx domain.Context, baseURL, id string) (domain.LogsSnapshot, error) {
	var out domain.LogsSnapshot
	status, err := c.do(ctx, http.MethodGet, baseURL+"/logs/"+url.PathEscape(id), nil, &out)
	if err != nil {
		return domain.LogsSnapshot{}, fmt.Errorf("op=runner.Client.Logs: %w", err)
	}
	switch status {
	case http.StatusOK:
		return out, nil
	case http.StatusNotFound:
		return domain.LogsSnapshot{}, fmt.Errorf("op=runner.Client.Logs: %w", domain.ErrNotFound)
	default:
		return domain.LogsSnapshot{}, fmt.Errorf("op=runner.Client.Logs: %w: status %d", domain.ErrInternal, status)
	}
}

// Kill requests termination of id on the given runner.
func (c *Client) Kill(ctx domain.Context, baseURL, id string) (domain.KillResult, error) {
	var out domain.KillResult
	status, err := c.do(ctx, http.MethodPost, baseURL+"/kill/"+url.PathEscape(id), nil, &out)
	if err != nil {
		return domain.KillResult{}, fmt.Errorf("op=runner.Client.Kill: %w", err)
	}
	if status != http.StatusOK {
		return domain.KillResult{}, fmt.Errorf("op=runner.Client.Kill: %w: status %d", domain.ErrInternal, status)
	}
	return out, nil
}

// Running lists the held slot of the given runner; at most one entry.
func (c *Client) Running(ctx domain.Context, baseURL string) ([]domain.RunningEntry, error) {
	var out []domain.RunningEntry
	status, err := c.do(ctx, http.MethodGet, baseURL+"/running", nil, &out)
	if err != nil {
		return nil, fmt.Errorf("op=runner.Client.Running: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("op=runner.Client.Running: %w: status %d", domain.ErrInternal, status)
	}
	return out, nil
}

// Health probes the runner's liveness beacon.
func (c *Client) Health(ctx domain.Context, baseURL string) (domain.HealthStatus, error) {
	var out domain.HealthStatus
	status, err := c.do(ctx, http.MethodGet, baseURL+"/health", nil, &out)
	if err != nil {
		return domain.HealthStatus{}, fmt.Errorf("op=runner.Client.Health: %w", err)
	}
	if status != http.StatusOK {
		return domain.HealthStatus{}, fmt.Errorf("op=runner.Client.Health: %w: status %d", domain.ErrInternal, status)
	}
	return out, nil
}

// do issues one request and decodes a 2xx body into out. Transport-level
// timeouts surface as domain.ErrUpstreamTimeout.
func (c *Client) do(ctx context.Context, method, rawURL string, in, out any) (int, error) {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		if isTimeout(err) {
			return 0, fmt.Errorf("%w: %w", domain.ErrUpstreamTimeout, err)
		}
		return 0, fmt.Errorf("%w: %w", domain.ErrRunnerUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
