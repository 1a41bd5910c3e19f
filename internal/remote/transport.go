package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/duckmesh/spice/internal/observability"
)

const (
	DefaultBaseURL      = "https://api.dune.com/api/v1"
	DefaultAPIKeyHeader = "X-Dune-API-Key"
	DefaultUserAgent    = "spice/1.0"
	DefaultTimeout      = 30 * time.Second

	requestIDHeader = "X-Request-ID"
)

type Config struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	UserAgent    string
	GetTimeout   time.Duration
	PostTimeout  time.Duration
	// RateLimit caps outbound requests per second; zero disables pacing.
	RateLimit  float64
	RateBurst  int
	HTTPClient *http.Client
}

type Request struct {
	Method string
	URL    string
	Body   []byte
	// APIKey overrides the configured credential for this request.
	APIKey string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// Transport issues single HTTP requests against the remote service with the
// credential and client headers attached. It never retries.
type Transport struct {
	baseURL      *url.URL
	apiKey       string
	apiKeyHeader string
	userAgent    string
	getTimeout   time.Duration
	postTimeout  time.Duration
	limiter      *rate.Limiter
	client       *http.Client
}

func NewTransport(cfg Config) (*Transport, error) {
	rawBase := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if rawBase == "" {
		rawBase = DefaultBaseURL
	}
	base, err := url.Parse(rawBase)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL must be absolute: %q", rawBase)
	}

	t := &Transport{
		baseURL:      base,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		apiKeyHeader: firstNonEmpty(cfg.APIKeyHeader, DefaultAPIKeyHeader),
		userAgent:    firstNonEmpty(cfg.UserAgent, DefaultUserAgent),
		getTimeout:   durationOr(cfg.GetTimeout, DefaultTimeout),
		postTimeout:  durationOr(cfg.PostTimeout, DefaultTimeout),
		client:       cfg.HTTPClient,
	}
	if t.client == nil {
		t.client = &http.Client{}
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return t, nil
}

// BaseURL returns the service root all endpoint paths are joined onto.
func (t *Transport) BaseURL() string {
	return t.baseURL.String()
}

func (t *Transport) Do(ctx context.Context, request Request) (*Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	timeout := t.getTimeout
	if request.Method == http.MethodPost {
		timeout = t.postTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if request.Body != nil {
		body = bytes.NewReader(request.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, request.Method, request.URL, body)
	if err != nil {
		return nil, &TransportError{Method: request.Method, URL: request.URL, Err: err}
	}
	apiKey := firstNonEmpty(request.APIKey, t.apiKey)
	if apiKey != "" {
		httpReq.Header.Set(t.apiKeyHeader, apiKey)
	}
	httpReq.Header.Set("User-Agent", t.userAgent)
	httpReq.Header.Set(requestIDHeader, requestID(ctx))
	if request.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		observability.ObserveRemoteRequest(request.Method, 0, time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Method: request.Method, URL: request.URL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	observability.ObserveRemoteRequest(request.Method, resp.StatusCode, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Method: request.Method, URL: request.URL, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       payload,
		URL:        request.URL,
	}, nil
}

func requestID(ctx context.Context) string {
	if traceID := observability.TraceIDFromContext(ctx); traceID != "" {
		return traceID
	}
	return uuid.NewString()
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
