package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/IshaanNene/forecourt/internal/config"
	"github.com/IshaanNene/forecourt/internal/observability"
	"github.com/IshaanNene/forecourt/internal/types"
)

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithMetrics records request counters on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(f *HTTPFetcher) { f.metrics = m }
}

// WithPacer replaces the per-host pacer built from the crawler config.
func WithPacer(p *Pacer) Option {
	return func(f *HTTPFetcher) { f.pacer = p }
}

// HTTPFetcher implements Fetcher using net/http.
type HTTPFetcher struct {
	client     *http.Client
	cfg        *config.FetcherConfig
	crawlerCfg *config.CrawlerConfig
	pacer      *Pacer
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewHTTPFetcher creates a new HTTP fetcher.
func NewHTTPFetcher(cfg *config.Config, logger *slog.Logger, opts ...Option) (*HTTPFetcher, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.Fetcher.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Crawler.Concurrency,
		IdleConnTimeout:     cfg.Fetcher.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Fetcher.TLSInsecure,
		},
		DisableCompression: true, // decompression (including brotli) happens in decompressReader
	}

	redirectPolicy := func(req *http.Request, via []*http.Request) error {
		if !cfg.Fetcher.FollowRedirects {
			return http.ErrUseLastResponse
		}
		if len(via) >= cfg.Fetcher.MaxRedirects {
			return fmt.Errorf("max redirects (%d) reached", cfg.Fetcher.MaxRedirects)
		}
		return nil
	}

	client := &http.Client{
		Transport:     otelhttp.NewTransport(transport),
		Jar:           jar,
		CheckRedirect: redirectPolicy,
	}

	f := &HTTPFetcher{
		client:     client,
		cfg:        &cfg.Fetcher,
		crawlerCfg: &cfg.Crawler,
		pacer:      NewPacer(cfg.Crawler.PolitenessDelay),
		logger:     logger.With("component", "http_fetcher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch retrieves req, retrying network errors, timeouts and 5xx responses
// with exponential backoff. Every attempt waits on the per-host pacer.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	maxRetries := f.crawlerCfg.MaxRetries
	if req.MaxRetries >= 0 {
		maxRetries = req.MaxRetries
	}

	var (
		resp     *types.Response
		lastErr  *types.FetchError
		attempts int
	)

	op := func() error {
		attempts++
		if err := f.pacer.Wait(ctx, req.Domain()); err != nil {
			lastErr = &types.FetchError{URL: req.URLString(), Kind: types.FetchErrorTimeout, Err: err}
			return backoff.Permanent(lastErr)
		}
		r, ferr := f.do(ctx, req)
		if ferr != nil {
			lastErr = ferr
			if ferr.IsRetryable() {
				return ferr
			}
			return backoff.Permanent(ferr)
		}
		resp = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		if f.metrics != nil {
			f.metrics.RequestsRetried.Add(1)
		}
		f.logger.Debug("retrying fetch",
			"url", req.URLString(),
			"attempt", attempts,
			"backoff", wait,
			"error", err,
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(f.newBackoff(), uint64(maxRetries)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if lastErr == nil {
			lastErr = &types.FetchError{URL: req.URLString(), Kind: types.FetchErrorTimeout, Err: err}
		}
		lastErr.Attempts = attempts
		if f.metrics != nil {
			f.metrics.RequestsFailed.Add(1)
		}
		return nil, lastErr
	}

	resp.Attempts = attempts
	return resp, nil
}

func (f *HTTPFetcher) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.crawlerCfg.BackoffBase
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.MaxInterval = f.crawlerCfg.BackoffMax
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// do performs a single attempt.
func (f *HTTPFetcher) do(ctx context.Context, req *types.Request) (*types.Response, *types.FetchError) {
	timeout := f.crawlerCfg.RequestTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.URLString(), nil)
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), Kind: types.FetchErrorMalformed, Err: err}
	}

	httpReq.Header.Set("User-Agent", f.crawlerCfg.UserAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-GB,en;q=0.9")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Set(key, v)
		}
	}

	if f.metrics != nil {
		f.metrics.RequestsTotal.Add(1)
	}

	start := time.Now()
	httpResp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, f.transportError(ctx, req, err)
	}
	defer httpResp.Body.Close()

	// 3xx only reaches here when redirects are disabled.
	if httpResp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		if f.metrics != nil {
			if httpResp.StatusCode >= 500 {
				f.metrics.Responses5xx.Add(1)
			} else if httpResp.StatusCode >= 400 {
				f.metrics.Responses4xx.Add(1)
			}
		}
		return nil, &types.FetchError{
			URL:        req.URLString(),
			StatusCode: httpResp.StatusCode,
			Kind:       types.FetchErrorStatus,
			Err:        fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(snippet))),
			Retryable:  httpResp.StatusCode >= 500,
		}
	}

	var reader io.Reader = httpResp.Body
	if f.cfg.MaxBodySize > 0 {
		reader = io.LimitReader(reader, f.cfg.MaxBodySize)
	}

	reader, err = decompressReader(httpResp, reader)
	if err != nil {
		return nil, &types.FetchError{URL: req.URLString(), StatusCode: httpResp.StatusCode, Kind: types.FetchErrorMalformed, Err: err}
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		if isDecodeError(err) {
			return nil, &types.FetchError{URL: req.URLString(), StatusCode: httpResp.StatusCode, Kind: types.FetchErrorMalformed, Err: err}
		}
		return nil, f.transportError(ctx, req, err)
	}
	duration := time.Since(start)

	resp := types.NewResponse(req, httpResp, body, duration)
	if req.Tag != types.TagRobots && !resp.IsHTML() {
		return nil, &types.FetchError{
			URL:        req.URLString(),
			StatusCode: resp.StatusCode,
			Kind:       types.FetchErrorMalformed,
			Err:        fmt.Errorf("%w: content type %q", types.ErrMalformed, resp.ContentType),
		}
	}

	if f.metrics != nil {
		f.metrics.BytesDownloaded.Add(int64(len(body)))
	}

	f.logger.Debug("fetch complete",
		"url", req.URLString(),
		"status", resp.StatusCode,
		"size", len(body),
		"duration", duration,
	)

	return resp, nil
}

// transportError classifies an error raised while talking to the server.
// Cancellation of the caller's context ends retrying; an attempt timeout does not.
func (f *HTTPFetcher) transportError(parent context.Context, req *types.Request, err error) *types.FetchError {
	fe := &types.FetchError{URL: req.URLString(), Err: err}
	switch {
	case parent.Err() != nil:
		fe.Kind = types.FetchErrorTimeout
		fe.Err = fmt.Errorf("%w: %v", types.ErrTimeout, err)
	case isTimeout(err):
		fe.Kind = types.FetchErrorTimeout
		fe.Retryable = true
	default:
		fe.Kind = types.FetchErrorNetwork
		fe.Retryable = isRetryableError(err)
	}
	return fe
}

// Close releases resources.
func (f *HTTPFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// decompressReader wraps a reader with the appropriate decompressor.
// Handles gzip, deflate, and brotli (br) encodings.
func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

func isDecodeError(err error) bool {
	var corrupt flate.CorruptInputError
	return errors.Is(err, gzip.ErrChecksum) || errors.Is(err, gzip.ErrHeader) ||
		errors.As(err, &corrupt) || strings.HasPrefix(err.Error(), "brotli")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isRetryableError checks if a network error warrants a retry. Hosts that do
// not resolve and TLS failures are permanent.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			opErr.Op == "dial" || opErr.Op == "read"
	}
	return false
}
