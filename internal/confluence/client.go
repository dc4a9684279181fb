// Package confluence is the HTTP client for the remote document service.
// The contract is deliberately narrow: fetch a page's content tree by id,
// write it back with optimistic concurrency. Everything else the remote
// API offers is out of scope.
package confluence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AccessTokenProvider supplies the bearer token for each request. Tokens
// may rotate between calls.
type AccessTokenProvider func(ctx context.Context) (string, error)

// StaticTokenProvider wraps a fixed token.
func StaticTokenProvider(token string) AccessTokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// Page is the narrow view of a remote document: title, ADF content tree,
// and the version number used for optimistic concurrency.
type Page struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	Version int            `json:"version"`
	Body    map[string]any `json:"body"`
}

// HTTPError is a non-2xx response from the remote service.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("confluence: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("confluence: status=%d message=%s", e.StatusCode, e.Message)
}

type ClientOptions struct {
	BaseURL           string
	TokenProvider     AccessTokenProvider
	HTTPClient        *http.Client
	UserAgent         string
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client talks to the document service with retry/backoff on 429/5xx and
// network failures, behind a process-wide rate limiter.
type Client struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
	limiter       *rate.Limiter

	// mu guards the retry scalars, which policy hot-reload may rewrite
	// while requests are in flight. The limiter is safe on its own.
	mu         sync.Mutex
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 5
	}
	return &Client{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		limiter:       rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// SetRetryPolicy adjusts retry/backoff and rate limiting at runtime. Used
// by policy hot-reload; safe to call while requests are in flight.
func (c *Client) SetRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration, rps float64, burst int) {
	c.mu.Lock()
	if maxRetries > 0 {
		c.maxRetries = maxRetries
	}
	if baseDelay > 0 {
		c.baseDelay = baseDelay
	}
	if maxDelay > 0 {
		c.maxDelay = maxDelay
	}
	c.mu.Unlock()
	if rps > 0 {
		c.limiter.SetLimit(rate.Limit(rps))
	}
	if burst > 0 {
		c.limiter.SetBurst(burst)
	}
}

// retryPolicy snapshots the current retry scalars under the lock.
func (c *Client) retryPolicy() (maxRetries int, baseDelay, maxDelay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxRetries, c.baseDelay, c.maxDelay
}

// GetPage fetches one page with its content tree.
func (c *Client) GetPage(ctx context.Context, pageID string) (*Page, error) {
	if strings.TrimSpace(pageID) == "" {
		return nil, fmt.Errorf("confluence: page id is required")
	}
	var page Page
	if err := c.doJSON(ctx, http.MethodGet, "/api/pages/"+pageID, nil, &page); err != nil {
		return nil, err
	}
	if page.ID == "" {
		page.ID = pageID
	}
	return &page, nil
}

// UpdatePage writes a page body back at the next version number. The
// service rejects the write with 409 when the version is stale.
func (c *Client) UpdatePage(ctx context.Context, page *Page) (*Page, error) {
	if page == nil || strings.TrimSpace(page.ID) == "" {
		return nil, fmt.Errorf("confluence: page with id is required")
	}
	payload := map[string]any{
		"title":   page.Title,
		"version": page.Version + 1,
		"body":    page.Body,
	}
	var updated Page
	if err := c.doJSON(ctx, http.MethodPut, "/api/pages/"+page.ID, payload, &updated); err != nil {
		return nil, err
	}
	if updated.ID == "" {
		updated.ID = page.ID
	}
	return &updated, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("confluence: base url is required")
	}
	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		bodyBytes = encoded
	}
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		maxRetries, baseDelay, maxDelay := c.retryPolicy()
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return err
		}
		if c.tokenProvider != nil {
			token, err := c.tokenProvider(ctx)
			if err != nil {
				return err
			}
			if token = strings.TrimSpace(token); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := sleepContext(ctx, retryDelay(attempt+1, "", baseDelay, maxDelay)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return fmt.Errorf("confluence: %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := sleepContext(ctx, retryDelay(attempt+1, resp.Header.Get("Retry-After"), baseDelay, maxDelay)); waitErr != nil {
				return waitErr
			}
			continue
		}

		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
		}
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if code, ok := parsed["code"].(string); ok {
				httpErr.Code = code
			}
			if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
				httpErr.Message = message
			}
		}
		return httpErr
	}
}

func retryDelay(attempt int, retryAfterHeader string, baseDelay, maxDelay time.Duration) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
