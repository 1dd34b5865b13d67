// Package httpkit builds the outbound HTTP clients shared by every
// component that talks to the network: LLM providers, embeddings, the
// Telegram poller, web search, web fetch, and the self-update pusher.
// Centralizing construction keeps timeouts, pooling, and the User-Agent
// consistent instead of scattered per call site.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/jarvis-agent/jarvis/internal/buildinfo"
)

// maxRetryDelay caps the exponential backoff between retry attempts.
const maxRetryDelay = 8 * time.Second

// Option configures a client built by NewClient.
type Option func(*settings)

type settings struct {
	timeout    time.Duration
	userAgent  string
	transport  *http.Transport
	retries    int
	retryBase  time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it, which
// long-running LLM calls need; their deadlines come from the context.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithUserAgent overrides the default User-Agent header value.
func WithUserAgent(ua string) Option {
	return func(s *settings) { s.userAgent = ua }
}

// WithTransport substitutes a caller-tuned transport. Start from
// NewTransport so the pooling defaults survive the tuning.
func WithTransport(t *http.Transport) Option {
	return func(s *settings) { s.transport = t }
}

// WithRetry retries requests that fail with a connect-level error, with
// exponential backoff starting at base. Only dial failures are retried,
// so no request that reached a server is ever replayed.
func WithRetry(count int, base time.Duration) Option {
	return func(s *settings) {
		s.retries = count
		s.retryBase = base
	}
}

// WithLogger enables retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// NewTransport returns the standard transport for outbound calls.
// Callers that need a different header timeout mutate the result before
// passing it to WithTransport.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient assembles an *http.Client from the options. Every client
// carries the agent User-Agent unless a request sets its own.
func NewClient(opts ...Option) *http.Client {
	s := settings{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(&s)
	}

	t := s.transport
	if t == nil {
		t = NewTransport()
	}

	rt := http.RoundTripper(&headerTransport{next: t, userAgent: s.userAgent})
	if s.retries > 0 {
		rt = &retryTransport{next: rt, max: s.retries, base: s.retryBase, logger: s.logger}
	}

	return &http.Client{Timeout: s.timeout, Transport: rt}
}

// headerTransport stamps the User-Agent when the request has none.
type headerTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// Clone before mutating; RoundTrippers must not modify the request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.next.RoundTrip(req)
}

// retryTransport replays requests that died before reaching a server.
// A request with a body is replayed only when GetBody can rewind it.
type retryTransport struct {
	next   http.RoundTripper
	max    int
	base   time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)

	for attempt := 0; attempt < t.max; attempt++ {
		if err == nil || !connectFailure(err) {
			return resp, err
		}
		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			return resp, err
		}

		if t.logger != nil {
			t.logger.Debug("retrying after connect failure",
				"method", req.Method,
				"url", req.URL.String(),
				"attempt", attempt+1,
				"error", err)
		}

		delay := time.NewTimer(BackoffDelay(attempt, t.base, maxRetryDelay))
		select {
		case <-req.Context().Done():
			delay.Stop()
			return nil, req.Context().Err()
		case <-delay.C:
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, rewindErr := req.GetBody()
			if rewindErr != nil {
				return nil, fmt.Errorf("httpkit: rewind body for retry: %w", rewindErr)
			}
			retry.Body = body
		}
		resp, err = t.next.RoundTrip(retry)
	}

	return resp, err
}

// connectFailure reports whether err is a dial-level failure that
// happened before any bytes reached the server. ECONNRESET is excluded:
// a reset can arrive after the server acted on the request.
func connectFailure(err error) bool {
	// errors.As unwraps through net.OpError and url.Error, so one check
	// covers the usual wrapping.
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return true
	}
	return false
}

// ReadErrorBody reads at most limit bytes of a failed response's body
// for an error message, then drains and closes it so the connection
// returns to the pool.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1024))
	rc.Close()
	if err != nil {
		return fmt.Sprintf("(error body unreadable: %v)", err)
	}
	return string(body)
}

// BackoffDelay returns base<<attempt capped at max. attempt is 0-based.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
