package notify

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jabeka/CollectionRecorder/internal/metrics"
)

// Client posts segment events to a webhook endpoint
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // bounds concurrent requests
	logger     *slog.Logger
	metrics    *metrics.Metrics
	wg         sync.WaitGroup

	sent      atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
	latency   atomic.Int64 // last delivery latency in nanoseconds
}

// Config contains webhook client configuration
type Config struct {
	Endpoint      string
	APIKey        string // optional bearer token
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	Backoff       time.Duration // first retry delay, doubled per attempt up to 30s
	Version       string
}

// Stats is a snapshot of the delivery counters
type Stats struct {
	Sent        uint64        `json:"sent"`
	Delivered   uint64        `json:"delivered"`
	Failed      uint64        `json:"failed"`
	Retries     uint64        `json:"retries"`
	LastLatency time.Duration `json:"last_latency"`
	InFlight    int           `json:"in_flight"`
}

const maxBackoff = 30 * time.Second

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// NewClient creates a new webhook client
func NewClient(config Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, errors.New("webhook endpoint is required")
	}
	config.Timeout = cmp.Or(max(config.Timeout, 0), 10*time.Second)
	config.MaxConcurrent = cmp.Or(max(config.MaxConcurrent, 0), 4)
	config.Backoff = cmp.Or(max(config.Backoff, 0), time.Second)
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = config.MaxConcurrent

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout, Transport: transport},
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger,
		metrics:    m,
	}, nil
}

// Send posts ev, retrying transient failures with exponential backoff
func (c *Client) Send(ctx context.Context, ev *Event) error {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	startTime := time.Now()
	c.sent.Add(1)
	c.metrics.RecordNotifyRequest()

	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.retries.Add(1)
			c.metrics.RecordNotifyRetry()

			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				c.failed.Add(1)
				c.metrics.RecordNotifyFailure(time.Since(startTime).Seconds())
				return ctx.Err()
			}
		}

		err := c.doRequest(ctx, body)
		if err == nil {
			elapsed := time.Since(startTime)
			c.delivered.Add(1)
			c.latency.Store(int64(elapsed))
			c.metrics.RecordNotifySuccess(elapsed.Seconds())
			return nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.failed.Add(1)
	c.metrics.RecordNotifyFailure(time.Since(startTime).Seconds())
	return fmt.Errorf("notification failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// backoff returns the delay before retry attempt n (n >= 1)
func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * c.config.Backoff
	return min(d, maxBackoff)
}

// doRequest performs a single HTTP request
func (c *Client) doRequest(ctx context.Context, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "CollectionRecorder/"+c.config.Version)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return nil
}

// isRetryableError reports whether a failed attempt may succeed later:
// 5xx and 429 responses, timeouts and connection errors.
func isRetryableError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Notify sends ev in the background. Failures are logged.
func (c *Client) Notify(ctx context.Context, ev *Event) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if err := c.Send(ctx, ev); err != nil {
			c.logger.Warn("Failed to deliver segment notification",
				slog.String("event", ev.Type),
				slog.String("segment_id", ev.SegmentID),
				slog.String("error", err.Error()),
			)
			return
		}
		c.logger.Debug("Segment notification delivered",
			slog.String("event", ev.Type),
			slog.String("segment_id", ev.SegmentID),
		)
	}()
}

// GetStats returns the delivery counters
func (c *Client) GetStats() Stats {
	return Stats{
		Sent:        c.sent.Load(),
		Delivered:   c.delivered.Load(),
		Failed:      c.failed.Load(),
		Retries:     c.retries.Load(),
		LastLatency: time.Duration(c.latency.Load()),
		InFlight:    len(c.semaphore),
	}
}

// Close waits for background notifications to finish
func (c *Client) Close() error {
	c.wg.Wait()
	c.httpClient.CloseIdleConnections()
	return nil
}
