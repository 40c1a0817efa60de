// Package agent provides the HTTP request executor shared by the playlist
// and segment paths: bounded retries, per-attempt timeouts, HTTPS
// enforcement and IPv4 pinning.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

var (
	// ErrForbiddenByPolicy is returned before any I/O when a non-HTTPS URL
	// is requested under force-https.
	ErrForbiddenByPolicy = errors.New("plain http forbidden by force-https")

	// ErrGone is returned on a 404. A media playlist turning 404 after it
	// was valid means the channel went offline.
	ErrGone = errors.New("resource gone")

	// ErrExhausted is returned when the retry budget runs out on a
	// transient failure.
	ErrExhausted = errors.New("retries exhausted")
)

// StatusError is a non-retryable HTTP status: any status below 500 other
// than 200 and 404.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status code %d on %s", e.Code, e.URL)
}

// Config controls the agent's network behavior.
type Config struct {
	// Retries is the number of additional attempts after the first.
	Retries int

	// Timeout bounds each attempt: connect, TLS, response headers, and
	// read-idle on streaming bodies.
	Timeout time.Duration

	// ForceHTTPS rejects non-HTTPS URLs without issuing any I/O.
	ForceHTTPS bool

	// ForceIPv4 restricts dialing to IPv4 addresses.
	ForceIPv4 bool

	// UserAgent is sent on every request.
	UserAgent string
}

// retryDelay is the fixed pause between attempts. The refresh cadence
// already bounds the request rate, so no exponential backoff.
var retryDelay = 500 * time.Millisecond

// Agent executes HTTP requests with the retry and timeout discipline the
// streaming core depends on. The connection pool is private to the agent
// and lives for one worker run.
type Agent struct {
	client *http.Client
	cfg    Config
	logger hclog.Logger
}

// New creates an agent from cfg. The logger may be nil.
func New(cfg Config, logger hclog.Logger) *Agent {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	network := "tcp"
	if cfg.ForceIPv4 {
		network = "tcp4"
	}
	dialer := &net.Dialer{Timeout: cfg.Timeout}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		TLSHandshakeTimeout:   cfg.Timeout,
		ResponseHeaderTimeout: cfg.Timeout,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     false,
	}

	return &Agent{
		client: &http.Client{Transport: transport},
		cfg:    cfg,
		logger: logger,
	}
}

// GetText issues a GET and returns the full response body as a string.
// Used for playlists and token responses.
func (a *Agent) GetText(rawURL string, header http.Header) (string, error) {
	body, err := a.do(http.MethodGet, rawURL, "", header)
	if err != nil {
		return "", err
	}
	defer body.Close()

	b, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	return string(b), nil
}

// PostText issues a POST with the given body and returns the response body
// as a string.
func (a *Agent) PostText(rawURL, data string, header http.Header) (string, error) {
	body, err := a.do(http.MethodPost, rawURL, data, header)
	if err != nil {
		return "", err
	}
	defer body.Close()

	b, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	return string(b), nil
}

// Open issues a GET and returns the streaming response body. The reader
// enforces the configured read-idle timeout; the caller must close it.
func (a *Agent) Open(rawURL string, header http.Header) (io.ReadCloser, error) {
	return a.do(http.MethodGet, rawURL, "", header)
}

func (a *Agent) do(method, rawURL, data string, header http.Header) (io.ReadCloser, error) {
	if err := a.checkPolicy(rawURL); err != nil {
		return nil, err
	}

	var lastErr error
	attempts := 1 + a.cfg.Retries
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			a.logger.Debug("retrying request", "url", rawURL, "attempt", attempt+1, "error", lastErr)
			time.Sleep(retryDelay)
		}

		body, err := a.attempt(method, rawURL, data, header)
		if err == nil {
			return body, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempts, lastErr)
}

func (a *Agent) attempt(method, rawURL, data string, header http.Header) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(context.Background())

	var bodyReader io.Reader
	if data != "" {
		bodyReader = strings.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid request URL: %w", err)
	}

	req.Header.Set("User-Agent", a.cfg.UserAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrGone, rawURL)
	default:
		code := resp.StatusCode
		resp.Body.Close()
		cancel()
		if code >= 500 {
			return nil, fmt.Errorf("server error %d on %s", code, rawURL)
		}
		return nil, &StatusError{Code: code, URL: rawURL}
	}

	return newIdleTimeoutBody(resp.Body, a.cfg.Timeout, cancel), nil
}

func (a *Agent) checkPolicy(rawURL string) error {
	if !a.cfg.ForceHTTPS {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid request URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: %s", ErrForbiddenByPolicy, rawURL)
	}
	return nil
}

// retryable reports whether err warrants another attempt: connection and
// I/O errors and 5xx statuses. Typed 4xx statuses, policy violations and
// gone resources are permanent.
func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return false
	}
	if errors.Is(err, ErrGone) || errors.Is(err, ErrForbiddenByPolicy) {
		return false
	}
	return true
}
