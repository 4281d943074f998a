package activities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"
)

// maxErrorBody bounds how much of a failed response ends up in history.
const maxErrorBody = 4 << 10

// CallError is returned when a collaborator answers with a non-2xx status.
type CallError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("Error calling %s service: %d: %s", e.Service, e.StatusCode, e.Body)
}

// ClientConfig configures a collaborator client.
type ClientConfig struct {
	// Service names the collaborator in error messages, e.g. "shipping".
	Service string
	BaseURL string

	// Timeout bounds one request. Defaults to 10s.
	Timeout time.Duration

	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
	Burst     int

	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

// Client calls one collaborator service with JSON over HTTP.
type Client struct {
	service string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a collaborator client.
func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		service: cfg.Service,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    hc,
		limiter: limiter,
	}
}

// Post sends body as JSON to path and decodes a JSON response into out,
// when out is non-nil.
func (c *Client) Post(ctx context.Context, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", c.service, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("Error calling %s service: %w", c.service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &CallError{
			Service:    c.service,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.service, err)
	}
	return nil
}
