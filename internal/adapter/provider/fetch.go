package provider

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/observability"
	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

// maxResponseBytes caps how much of an upstream body is read.
const maxResponseBytes = 16 << 20

// userAgents is the fixed pool the executor rotates through.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
}

// Fetcher issues single upstream requests with baseline headers, cookie
// merge and optional proxy routing. It is safe for concurrent use; clients
// for proxied transports are cached per proxy URL.
type Fetcher struct {
	direct *http.Client

	mu      sync.Mutex
	proxied map[string]*http.Client
}

// NewFetcher constructs a Fetcher. Timeouts are governed entirely by the
// request context; the clients themselves carry none.
func NewFetcher() *Fetcher {
	return &Fetcher{
		direct: &http.Client{
			Transport: otelhttp.NewTransport(newTransport(nil)),
		},
		proxied: make(map[string]*http.Client),
	}
}

func newTransport(proxy *url.URL) *http.Transport {
	t := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	}
	return t
}

func (f *Fetcher) clientFor(proxy string) (*http.Client, error) {
	if proxy == "" {
		return f.direct, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.proxied[proxy]; ok {
		return c, nil
	}
	u, err := url.Parse(proxy)
	if err != nil || u.Host == "" {
		return nil, domain.NewCrawlError(domain.ErrKindProxyError, "bad proxy url %q", proxy)
	}
	c := &http.Client{Transport: otelhttp.NewTransport(newTransport(u))}
	f.proxied[proxy] = c
	return c, nil
}

// Do issues req and validates the response through v. The provider and
// endpoint tags label the duration metric. Failure is always a CrawlError.
func (f *Fetcher) Do(ctx context.Context, providerName, endpoint string, req Request, v Validator) (Response, error) {
	client, err := f.clientFor(req.Proxy)
	if err != nil {
		return Response{}, err
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	reqURL := req.URL
	if len(req.Query) > 0 {
		reqURL = req.URL + "?" + req.Query.Encode()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return Response{}, domain.WrapCrawlError(domain.ErrKindInternal, err)
	}

	applyHeaders(httpReq, req)

	start := time.Now()
	resp, err := client.Do(httpReq)
	observability.UpstreamRequestDuration.WithLabelValues(providerName, endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return Response{}, classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, classifyTransport(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := domain.ErrKindHTTP4xx
		if resp.StatusCode >= 500 {
			kind = domain.ErrKindHTTP5xx
		}
		ce := domain.NewCrawlError(kind, "http status %d", resp.StatusCode)
		ce.StatusCode = resp.StatusCode
		slog.Debug("upstream non-2xx",
			slog.String("provider", providerName),
			slog.String("endpoint", endpoint),
			slog.Int("status", resp.StatusCode))
		return Response{}, ce
	}

	data, count, err := v.Validate(raw)
	if err != nil {
		var ce *domain.CrawlError
		if errors.As(err, &ce) && ce.StatusCode == 0 {
			ce.StatusCode = resp.StatusCode
		}
		return Response{}, err
	}
	return Response{StatusCode: resp.StatusCode, Data: data, RecordsCount: count}, nil
}

// applyHeaders merges the baseline header set under the request's own
// headers (caller-supplied values win) and appends the cookie.
func applyHeaders(httpReq *http.Request, req Request) {
	httpReq.Header.Set("User-Agent", userAgents[rand.Intn(len(userAgents))])
	httpReq.Header.Set("Accept", "application/json, text/plain, */*")
	httpReq.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	httpReq.Header.Set("X-Requested-With", "XMLHttpRequest")

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	if req.Cookie != "" {
		if existing := httpReq.Header.Get("Cookie"); existing != "" {
			if !strings.Contains(existing, req.Cookie) {
				httpReq.Header.Set("Cookie", existing+"; "+req.Cookie)
			}
		} else {
			httpReq.Header.Set("Cookie", req.Cookie)
		}
	}
}

// classifyTransport maps a transport-level error to the taxonomy.
func classifyTransport(err error) *domain.CrawlError {
	switch {
	case errors.Is(err, context.Canceled):
		return domain.WrapCrawlError(domain.ErrKindCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.WrapCrawlError(domain.ErrKindTimeout, err)
	}
	if strings.Contains(err.Error(), "proxyconnect") {
		return domain.WrapCrawlError(domain.ErrKindProxyError, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.WrapCrawlError(domain.ErrKindTimeout, err)
	}
	return domain.WrapCrawlError(domain.ErrKindNetworkError, err)
}
