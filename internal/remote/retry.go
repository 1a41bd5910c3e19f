package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/duckmesh/spice/internal/delay"
	"github.com/duckmesh/spice/internal/observability"
)

// Next-page headers, checked in order.
var nextPageHeaders = []string{"x-dune-next-uri", "next-page-uri"}

type Doer interface {
	Do(ctx context.Context, request Request) (*Response, error)
}

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterLow      float64
	JitterHigh     float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		JitterLow:      1.5,
		JitterHigh:     2.5,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.JitterHigh <= 0 || p.JitterHigh < p.JitterLow {
		p.JitterLow, p.JitterHigh = def.JitterLow, def.JitterHigh
	}
	return p
}

// Retryable reports whether status is one of the transient statuses the
// fetcher absorbs locally.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusBadGateway
}

// Fetcher wraps a Doer with bounded retry on 429 and 502. When every attempt
// is transient the last response is returned as is.
type Fetcher struct {
	transport Doer
	policy    RetryPolicy
	wait      delay.Func
	jitter    delay.Jitter
	logger    *slog.Logger
}

type FetcherOption func(*Fetcher)

func WithRetryPolicy(policy RetryPolicy) FetcherOption {
	return func(f *Fetcher) { f.policy = policy.normalized() }
}

func WithWait(wait delay.Func) FetcherOption {
	return func(f *Fetcher) {
		if wait != nil {
			f.wait = wait
		}
	}
}

func WithJitter(jitter delay.Jitter) FetcherOption {
	return func(f *Fetcher) {
		if jitter != nil {
			f.jitter = jitter
		}
	}
}

func WithLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func NewFetcher(transport Doer, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		transport: transport,
		policy:    DefaultRetryPolicy(),
		wait:      delay.Sleep,
		jitter:    delay.Uniform,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fetcher) Get(ctx context.Context, rawURL, apiKey string) (*Response, error) {
	return f.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, APIKey: apiKey})
}

func (f *Fetcher) Post(ctx context.Context, rawURL string, body []byte, apiKey string) (*Response, error) {
	return f.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Body: body, APIKey: apiKey})
}

// GetBackingOffOnRateLimit is Get for callers that pace themselves on 429:
// only 502 is retried and a 429 comes back on its first attempt.
func (f *Fetcher) GetBackingOffOnRateLimit(ctx context.Context, rawURL, apiKey string) (*Response, error) {
	request := Request{Method: http.MethodGet, URL: rawURL, APIKey: apiKey}
	return f.do(ctx, request, func(status int) bool { return status == http.StatusBadGateway })
}

func (f *Fetcher) Do(ctx context.Context, request Request) (*Response, error) {
	return f.do(ctx, request, Retryable)
}

func (f *Fetcher) do(ctx context.Context, request Request, retryable func(int) bool) (*Response, error) {
	backoff := f.policy.InitialBackoff
	for attempt := 1; ; attempt++ {
		resp, err := f.transport.Do(ctx, request)
		if err != nil {
			return nil, err
		}
		if !retryable(resp.StatusCode) || attempt >= f.policy.MaxAttempts {
			return resp, nil
		}

		sleep := min(delay.Scale(backoff, f.jitter(f.policy.JitterLow, f.policy.JitterHigh)), f.policy.MaxBackoff)
		observability.IncrementRemoteRetry(resp.StatusCode)
		f.logger.WarnContext(ctx, "remote_request_retry",
			slog.String("method", request.Method),
			slog.String("url", request.URL),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempt", attempt),
			slog.String("sleep", sleep.String()),
		)
		if err := f.wait(ctx, sleep); err != nil {
			return nil, err
		}
		backoff = min(2*backoff, f.policy.MaxBackoff)
	}
}

// PageFunc consumes one successful result page and reports how many data
// rows it contributed.
type PageFunc func(resp *Response) (rows int, err error)

// Paginate fetches rawURL and keeps following the next-page header while a
// positive limit was requested and fewer than limit rows have been seen. A
// 404 on the first page reports found=false without error.
func (f *Fetcher) Paginate(ctx context.Context, rawURL, apiKey string, limit int, page PageFunc) (bool, error) {
	total := 0
	pages := 0
	defer func() { observability.AddResultPages(pages) }()

	next := rawURL
	for {
		resp, err := f.Get(ctx, next, apiKey)
		if err != nil {
			return false, err
		}
		if resp.StatusCode == http.StatusNotFound && pages == 0 {
			return false, nil
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return false, &TransportError{
				Method:     http.MethodGet,
				URL:        next,
				StatusCode: resp.StatusCode,
				Body:       string(resp.Body),
			}
		}
		rows, err := page(resp)
		if err != nil {
			return false, err
		}
		pages++
		total += rows
		f.logger.DebugContext(ctx, "results_page",
			slog.Int("page", pages),
			slog.Int("rows", rows),
			slog.Int("total_rows", total),
		)

		if limit <= 0 || total >= limit {
			return true, nil
		}
		link := nextPageLink(resp.Header)
		if link == "" {
			return true, nil
		}
		resolved, err := resolveAgainst(next, link)
		if err != nil {
			return false, err
		}
		next = resolved
	}
}

func nextPageLink(header http.Header) string {
	for _, name := range nextPageHeaders {
		if value := strings.TrimSpace(header.Get(name)); value != "" {
			return value
		}
	}
	return ""
}

func resolveAgainst(current, link string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", fmt.Errorf("parse page URL %q: %w", current, err)
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse next-page link %q: %w", link, err)
	}
	return base.ResolveReference(ref).String(), nil
}
