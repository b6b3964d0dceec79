package lightroom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Retry and backoff constants.
const (
	maxRetries     = 4
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "lrsync/0.1"
)

// defaultBaseURL is the Lightroom Partner API root.
const defaultBaseURL = "https://lr.adobe.io"

// securityPrefix is prepended by Adobe to every JSON response body and must
// be stripped before decoding.
const securityPrefix = "while (1) {}"

// TokenSource provides OAuth2 bearer tokens. Defined at the consumer per
// Go convention "accept interfaces, return structs"; tokenstore provides
// the real implementation.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is an HTTP client for the Lightroom Partner API. Every request
// carries the OAuth bearer token and the X-API-Key header (Adobe requires
// the OAuth client id on API calls).
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	apiKey     string
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	// newAssetID generates asset ids. Defaults to UUID4 with hyphens
	// stripped, the format the Partner API expects. Tests override this
	// for deterministic ids.
	newAssetID func() string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root (tests point this at httptest servers).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// NewClient creates a Lightroom API client. apiKey is the OAuth client id,
// sent as X-API-Key on every request.
func NewClient(httpClient *http.Client, token TokenSource, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: httpClient,
		token:      token,
		apiKey:     apiKey,
		logger:     logger,
		sleepFunc:  timeSleep,
		newAssetID: generateAssetID,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// request bundles the parameters for one API call.
type request struct {
	method      string
	path        string
	body        io.ReadSeeker // seekable so retries can rewind; nil for no body
	contentType string
	headers     map[string]string
}

// Do executes an API request with retry. Transient failures (network
// errors, 429 with Retry-After, 5xx) are retried with exponential backoff,
// rewinding the body between attempts. The caller is responsible for
// closing the response body on success.
func (c *Client) Do(ctx context.Context, req request) (*http.Response, error) {
	url := c.baseURL + req.path

	var attempt int
	for {
		if req.body != nil {
			if _, err := req.body.Seek(0, io.SeekStart); err != nil {
				return nil, fmt.Errorf("lightroom: rewinding request body: %w", err)
			}
		}

		resp, err := c.doOnce(ctx, req, url)
		if err != nil {
			// Token-source failures are not transport errors: the credential
			// layer has already run (or refused) the refresh exchange, and a
			// rejected refresh token stays rejected. Retrying would re-drive
			// the exchange against the authorization server.
			var tokErr *tokenError
			if errors.As(err, &tokErr) {
				return nil, fmt.Errorf("lightroom: %s %s: %w", req.method, req.path, err)
			}

			if ctx.Err() != nil {
				return nil, fmt.Errorf("lightroom: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", req.method),
					slog.String("path", req.path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("lightroom: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("lightroom: %s %s failed after %d retries: %w", req.method, req.path, maxRetries, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", req.method),
				slog.String("path", req.path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", req.method),
				slog.String("path", req.path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("lightroom: request canceled: %w", err)
			}

			attempt++

			continue
		}

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(stripSecurityPrefix(string(errBody))),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

// DoStream executes a single-attempt request with a non-seekable body (the
// asset master upload streams straight from the source download). No
// internal retry — the sync engine retries the whole fetch+upload pair, so
// a fresh source stream is available on each attempt.
func (c *Client) DoStream(ctx context.Context, method, path string, body io.Reader, contentType string, contentLength int64) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("lightroom: creating request: %w", err)
	}

	if contentLength > 0 {
		httpReq.ContentLength = contentLength
	}

	if err := c.setAuthHeaders(ctx, httpReq); err != nil {
		return nil, err
	}

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("lightroom: %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	errBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	return nil, &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(stripSecurityPrefix(string(errBody))),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, req request, url string) (*http.Response, error) {
	var body io.Reader
	if req.body != nil {
		body = req.body
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if err := c.setAuthHeaders(ctx, httpReq); err != nil {
		return nil, err
	}

	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}

	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	return c.httpClient.Do(httpReq)
}

// tokenError marks a failure to obtain an access token, as opposed to a
// transport failure. The retry loop surfaces it immediately.
type tokenError struct {
	err error
}

func (e *tokenError) Error() string { return "obtaining token: " + e.err.Error() }
func (e *tokenError) Unwrap() error { return e.err }

// setAuthHeaders applies the bearer token, API key, and user agent.
func (c *Client) setAuthHeaders(ctx context.Context, req *http.Request) error {
	tok, err := c.token.Token(ctx)
	if err != nil {
		return &tokenError{err: err}
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("User-Agent", userAgent)

	return nil
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// stripSecurityPrefix removes Adobe's "while (1) {}" guard from a response
// body so it parses as JSON.
func stripSecurityPrefix(body string) string {
	return strings.TrimPrefix(body, securityPrefix)
}

// generateAssetID returns a new asset id: UUID4 with hyphens removed, the
// format the Partner API documents.
func generateAssetID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
