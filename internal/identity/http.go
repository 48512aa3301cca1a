package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/reward-settler/internal/circuitbreaker"
	apperrors "github.com/reward-settler/internal/errors"
	"golang.org/x/time/rate"
)

// ClientConfig bounds calls to one upstream
type ClientConfig struct {
	Timeout        time.Duration
	RequestsPerSec float64
	MaxFailures    int
	OpenTimeout    time.Duration
	HTTPClient     *http.Client
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RequestsPerSec <= 0 {
		c.RequestsPerSec = 10
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// apiClient is the rate-limited, breaker-protected JSON GET shared by providers
type apiClient struct {
	name    string
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
}

func newAPIClient(name string, cfg ClientConfig) *apiClient {
	cfg = cfg.withDefaults()
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	burst := int(cfg.RequestsPerSec)
	if burst < 1 {
		burst = 1
	}

	return &apiClient{
		name:    name,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst),
		breaker: circuitbreaker.NewCircuitBreaker(&circuitbreaker.Config{
			Name:             name,
			MaxFailures:      cfg.MaxFailures,
			Timeout:          cfg.OpenTimeout,
			HalfOpenMaxCalls: 1,
			IsFailure:        apperrors.IsTransient,
		}),
	}
}

// getJSON fetches url into out. A 404 maps to ErrNotFound; 429, 5xx and
// timeouts map to transient provider errors.
func (c *apiClient) getJSON(ctx context.Context, url string, header http.Header, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperrors.NewProviderTimeoutError(c.name)
	}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to build %s request: %w", c.name, err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if apperrors.IsTransient(err) || errors.Is(err, context.Canceled) {
				return apperrors.NewProviderTimeoutError(c.name)
			}
			return apperrors.NewProviderError(c.name, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			_, _ = io.Copy(io.Discard, resp.Body)
			return ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests:
			return apperrors.NewProviderRateLimitError(c.name)
		case resp.StatusCode >= 400:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return apperrors.NewProviderError(c.name, fmt.Errorf("status %d: %s", resp.StatusCode, body))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.NewProviderError(c.name, fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	})

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return apperrors.NewProviderError(c.name, err)
	}
	return err
}
