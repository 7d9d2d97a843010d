package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the public GitHub REST endpoint.
const DefaultBaseURL = "https://api.github.com"

const (
	defaultUserAgent = "fleetsync/0.1"
	acceptHeader     = "application/vnd.github+json"
	apiVersion       = "2022-11-28"
	maxErrorBody     = 64 << 10
	resetSlack       = 1 * time.Second
)

// Options configures a Client. Zero values take safe defaults.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Token      oauth2.TokenSource // nil sends unauthenticated requests
	UserAgent  string
	Logger     *slog.Logger

	Retry RetryPolicy

	// RequestsPerHour is the token bucket refill rate; <= 0 disables local
	// rate limiting. Burst is the bucket size.
	RequestsPerHour int
	Burst           int
	// MaxWait bounds how long a request may block on the token bucket.
	MaxWait time.Duration

	// BreakerThreshold consecutive downstream failures open the circuit for
	// BreakerCooldown. <= 0 disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// OnRetry observes retried operations (audit and metrics).
	OnRetry RetryHook
}

// Client is the remote access client. Every other component issues its
// logical operations through it. Safe for concurrent use.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	token      oauth2.TokenSource
	logger     *slog.Logger

	retrier *Retrier
	limiter *requestLimiter
	breaker *Breaker
	cache   *readCache

	nowFunc func() time.Time
}

// NewClient creates a Client from opts.
func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	retrier := NewRetrier(opts.Retry, logger)
	retrier.onRetry = opts.OnRetry

	return &Client{
		baseURL:    baseURL,
		userAgent:  ua,
		httpClient: httpClient,
		token:      opts.Token,
		logger:     logger,
		retrier:    retrier,
		limiter:    newRequestLimiter(opts.RequestsPerHour, opts.Burst, opts.MaxWait),
		breaker:    NewBreaker(opts.BreakerThreshold, opts.BreakerCooldown, logger),
		cache:      newReadCache(),
		nowFunc:    time.Now,
	}
}

// ResetCache discards all cached reads. Call at the start of a batch.
func (c *Client) ResetCache() {
	c.cache.reset()
}

// CacheStats returns read cache counters for the current batch.
func (c *Client) CacheStats() CacheStats {
	return c.cache.stats()
}

// BreakerState returns the circuit breaker state.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// Burst returns the token bucket size, or 0 when rate limiting is disabled.
func (c *Client) Burst() int {
	return c.limiter.Burst()
}

// do executes one logical operation with rate limiting, circuit breaking, and
// retry. in is JSON-encoded as the request body when non-nil; out receives
// the decoded 2xx response body when non-nil. The response headers of the
// final attempt are returned for pagination.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) (http.Header, error) {
	var payload []byte

	if in != nil {
		var err error

		payload, err = json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("hosting: encoding %s request: %w", op, err)
		}
	}

	var header http.Header

	err := c.retrier.Do(ctx, op, func(ctx context.Context) Outcome {
		o, h := c.attempt(ctx, method, path, payload, out)
		header = h

		return o
	})

	return header, err
}

// attempt performs a single request and classifies the result.
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte, out any) (Outcome, http.Header) {
	if err := c.breaker.Allow(); err != nil {
		return Fatal(err), nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		c.breaker.Release()

		if ctx.Err() != nil {
			return Fatal(fmt.Errorf("hosting: request canceled: %w", ctx.Err())), nil
		}

		return Retryable(err, 0), nil
	}

	resp, err := c.doOnce(ctx, method, path, payload)
	if err != nil {
		if ctx.Err() != nil {
			c.breaker.Release()
			return Fatal(fmt.Errorf("hosting: request canceled: %w", ctx.Err())), nil
		}

		c.breaker.Failure()

		return Retryable(fmt.Errorf("%w: %s %s: %w", ErrNetwork, method, path, err), 0), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.breaker.Success()

		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		if out != nil && resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return Fatal(fmt.Errorf("hosting: decoding %s %s response: %w", method, path, err)), resp.Header
			}
		}

		return Ok(), resp.Header
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr != nil {
		body = []byte("(failed to read response body)")
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-GitHub-Request-Id"),
		Message:    errorMessage(body),
		Err:        classifyStatus(resp.StatusCode),
	}

	if c.isRateLimited(resp) {
		// A throttled response comes from a healthy downstream.
		c.breaker.Success()
		apiErr.Err = ErrThrottled

		return Retryable(apiErr, c.rateLimitDelay(resp)), resp.Header
	}

	if isRetryableStatus(resp.StatusCode) {
		if countsAgainstDownstream(apiErr) {
			c.breaker.Failure()
		} else {
			c.breaker.Success()
		}

		return Retryable(apiErr, 0), resp.Header
	}

	c.breaker.Success()

	return Fatal(apiErr), resp.Header
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if c.token != nil {
		tok, err := c.token.Token()
		if err != nil {
			return nil, fmt.Errorf("obtaining token: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}

	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.userAgent)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// isRateLimited reports whether resp is a rate-limit rejection. The provider
// answers primary limit exhaustion with 403 and X-RateLimit-Remaining: 0,
// which must not be mistaken for a permission error.
func (c *Client) isRateLimited(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		return resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != ""
	default:
		return false
	}
}

// rateLimitDelay returns the server-requested wait: Retry-After seconds, or
// the time until X-RateLimit-Reset. 0 means use normal backoff.
func (c *Client) rateLimitDelay(resp *http.Response) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
		if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
			if d := time.Unix(epoch, 0).Sub(c.nowFunc()); d > 0 {
				return d + resetSlack
			}
		}
	}

	return 0
}

// errorMessage extracts the "message" field of a JSON error body, falling
// back to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}

	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		msg := e.Message
		for _, sub := range e.Errors {
			if sub.Message != "" {
				msg += ": " + sub.Message
			}
		}

		return msg
	}

	return strings.TrimSpace(string(body))
}

// repoPath returns the API path prefix for a repository.
func repoPath(owner, repo string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo)
}

// encodePathSegments URL-encodes each segment of a slash-separated path.
func encodePathSegments(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// nextPagePath extracts the rel="next" URL from a Link header and returns it
// relative to the base URL. Returns "" when there is no next page.
func (c *Client) nextPagePath(header http.Header) (string, error) {
	for _, part := range strings.Split(header.Get("Link"), ",") {
		segs := strings.Split(strings.TrimSpace(part), ";")
		if len(segs) < 2 {
			continue
		}

		isNext := false

		for _, attr := range segs[1:] {
			if strings.TrimSpace(attr) == `rel="next"` {
				isNext = true
			}
		}

		if !isNext {
			continue
		}

		link := strings.Trim(strings.TrimSpace(segs[0]), "<>")
		if !strings.HasPrefix(link, c.baseURL) {
			return "", fmt.Errorf("hosting: next link %q does not match base URL %q", link, c.baseURL)
		}

		return link[len(c.baseURL):], nil
	}

	return "", nil
}
