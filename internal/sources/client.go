package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Ayash-Bera/agregador/internal/metrics"
	"github.com/Ayash-Bera/agregador/internal/models"
	"github.com/Ayash-Bera/agregador/internal/ratelimit"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	userAgent       = "agregador/1.0 (+https://github.com/Ayash-Bera/agregador)"
	maxResponseSize = 8 << 20
)

// ClientOptions configures the HTTP plumbing shared by adapters.
type ClientOptions struct {
	Timeout            time.Duration
	Credential         string
	CredentialHeader   string
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
	HTTPClient         *http.Client
}

// Client performs rate limited, circuit broken GET requests against one
// source and converts every outcome into the failure taxonomy.
type Client struct {
	desc       models.SourceDescriptor
	opts       ClientOptions
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *logrus.Logger
}

func NewClient(desc models.SourceDescriptor, opts ClientOptions, limiter *ratelimit.Limiter, logger *logrus.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// The caller's context carries the per-source deadline. The client
		// timeout only guards callers that forget one.
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerOpenTimeout <= 0 {
		opts.BreakerOpenTimeout = 30 * time.Second
	}

	c := &Client{
		desc:       desc,
		opts:       opts,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
	}

	maxFailures := opts.BreakerMaxFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        desc.Name,
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Only upstream trouble trips the breaker. Client-side rejections
		// (bad request, missing credential, local rate limit) say nothing
		// about the source's health.
		IsSuccessful: func(err error) bool {
			// A caller that went away is not an upstream failure.
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			kind := KindOf(err)
			return kind != models.StatusServerError && kind != models.StatusTimeout
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"source": name,
				"from":   from.String(),
				"to":     to.String(),
			}).Warn("Source circuit breaker state change")
			metrics.SetBreakerState(name, int(to))
		},
	})
	metrics.SetBreakerState(desc.Name, int(gobreaker.StateClosed))

	return c
}

// Descriptor returns the source this client talks to.
func (c *Client) Descriptor() models.SourceDescriptor { return c.desc }

// BreakerState exposes the breaker state for health reporting.
func (c *Client) BreakerState() gobreaker.State { return c.breaker.State() }

// Endpoint joins a path and query onto the base URL.
func (c *Client) Endpoint(path string, params url.Values) string {
	u := c.desc.BaseURL + "/" + strings.TrimLeft(path, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// GetJSON fetches path relative to the base URL and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.GetURL(ctx, c.Endpoint(path, params), out)
}

// GetURL fetches an absolute URL. Adapters whose upstream hands out "next"
// links use it directly.
func (c *Client) GetURL(ctx context.Context, rawURL string, out interface{}) error {
	if c.desc.Auth != models.AuthNone && c.opts.Credential == "" {
		return &Failure{
			Source: c.desc.Name,
			Kind:   models.StatusAuthRequired,
			Err:    errors.New("no credential configured"),
		}
	}

	decision := c.limiter.TryAcquire(c.desc.Name)
	if !decision.Allowed {
		metrics.RecordSourceCall(c.desc.Name, string(models.StatusRateLimited), 0)
		return &Failure{
			Source:     c.desc.Name,
			Kind:       models.StatusRateLimited,
			RetryAfter: decision.RetryAfter,
			Err:        errors.New("local rate limit exceeded"),
		}
	}

	if err := ctx.Err(); err != nil {
		decision.Release()
		return &Failure{Source: c.desc.Name, Kind: models.StatusTimeout, Err: err}
	}

	start := time.Now()
	_, err := c.breaker.Execute(func() (interface{}, error) {
		err := c.do(ctx, rawURL, out)
		if err != nil && errors.Is(ctx.Err(), context.Canceled) && !errors.Is(err, context.Canceled) {
			err = &Failure{Source: c.desc.Name, Kind: models.StatusTimeout, Err: fmt.Errorf("%w: %v", context.Canceled, err)}
		}
		return nil, err
	})
	elapsed := time.Since(start)

	if err != nil && errors.Is(err, context.Canceled) {
		decision.Release()
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			decision.Release()
			err = &Failure{Source: c.desc.Name, Kind: models.StatusServerError, Err: err}
		}
		f, ok := AsFailure(err)
		if !ok {
			f = &Failure{Source: c.desc.Name, Kind: classifyError(err), Err: err}
		}
		metrics.RecordSourceCall(c.desc.Name, string(f.Kind), elapsed.Seconds())
		c.logger.WithFields(logrus.Fields{
			"source":      c.desc.Name,
			"kind":        f.Kind,
			"status_code": f.StatusCode,
			"duration":    elapsed,
		}).WithError(f.Err).Warn("Source request failed")
		return f
	}

	metrics.RecordSourceCall(c.desc.Name, string(models.StatusOK), elapsed.Seconds())
	return nil
}

func (c *Client) do(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &Failure{Source: c.desc.Name, Kind: models.StatusBadRequest, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.opts.Credential != "" {
		header := c.opts.CredentialHeader
		if header == "" {
			header = "Authorization"
		}
		value := c.opts.Credential
		if c.desc.Auth == models.AuthToken && header == "Authorization" {
			value = "Bearer " + value
		}
		req.Header.Set(header, value)
	}

	c.logger.WithFields(logrus.Fields{
		"source": c.desc.Name,
		"url":    rawURL,
	}).Debug("Making source request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Failure{Source: c.desc.Name, Kind: classifyError(err), Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &Failure{Source: c.desc.Name, Kind: classifyError(err), StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.logger.WithFields(logrus.Fields{
		"source":        c.desc.Name,
		"status_code":   resp.StatusCode,
		"response_size": len(body),
	}).Debug("Source response received")

	if kind := StatusFromHTTP(resp.StatusCode); kind != models.StatusOK {
		f := &Failure{
			Source:     c.desc.Name,
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("upstream returned %d: %s", resp.StatusCode, truncate(string(body), 200)),
		}
		if kind == models.StatusRateLimited {
			f.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return f
	}

	if out == nil {
		return nil
	}
	if len(body) == 0 {
		return &Failure{Source: c.desc.Name, Kind: models.StatusServerError, StatusCode: resp.StatusCode, Err: errors.New("empty response body")}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Failure{Source: c.desc.Name, Kind: models.StatusServerError, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
