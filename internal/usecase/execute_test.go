package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/provider"
	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/provider/router"
	"github.com/fairyhunter13/market-crawl-worker/internal/config"
	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

type fakeCache struct {
	cookie      string
	cookieErr   error
	cookieCalls int
	proxy       string
	proxyCalls  int
	invalidated []string
}

func (f *fakeCache) GetCookie(_ context.Context, _, _ string) (string, error) {
	f.cookieCalls++
	return f.cookie, f.cookieErr
}

func (f *fakeCache) GetRandomProxy(_ context.Context, _ string) (string, error) {
	f.proxyCalls++
	return f.proxy, nil
}

func (f *fakeCache) InvalidateProxies(market string) {
	f.invalidated = append(f.invalidated, market)
}

type fakeFetcher struct {
	resp  provider.Response
	err   error
	calls int
	last  provider.Request
	ctx   context.Context
}

func (f *fakeFetcher) Do(ctx context.Context, _, _ string, req provider.Request, _ provider.Validator) (provider.Response, error) {
	f.calls++
	f.last = req
	f.ctx = ctx
	if f.err != nil {
		return provider.Response{}, f.err
	}
	return f.resp, nil
}

func testConfig() config.Config {
	return config.Config{
		WorkerID:              "worker-test",
		PriorityLevel:         "NORMAL",
		TaskTimeoutSeconds:    30,
		EnableProxyInjection:  true,
		EnableCookieInjection: true,
	}
}

func newTestExecutor(cfg config.Config, cache *fakeCache, fetcher *fakeFetcher) *Executor {
	return NewExecutor(cfg, cache, fetcher, router.New(), NewGate())
}

func cnTask() domain.Task {
	return domain.Task{
		TaskID:   "t1",
		TaskType: domain.TaskType5mRealtime,
		Market:   domain.MarketCN,
		Symbol:   "SH600000",
		Payload:  domain.TaskPayload{CookieID: "pool-1"},
	}
}

func TestExecuteHappyPath(t *testing.T) {
	cache := &fakeCache{cookie: "xq_a_token=abc", proxy: "http://10.0.0.1:8080"}
	fetcher := &fakeFetcher{resp: provider.Response{
		StatusCode:   200,
		Data:         json.RawMessage(`{"item": [[1,2]]}`),
		RecordsCount: 1,
	}}
	e := newTestExecutor(testConfig(), cache, fetcher)

	res := e.Execute(context.Background(), cnTask())

	require.True(t, res.Success, "error: %s", res.ErrorDetail)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, "worker-test", res.WorkerID)
	assert.Equal(t, 1, res.RecordsCount)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "pool-1", res.UsedCookieID)
	assert.True(t, res.UsedProxy)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	assert.Equal(t, "xq_a_token=abc", fetcher.last.Cookie)
	assert.Equal(t, "http://10.0.0.1:8080", fetcher.last.Proxy)
}

func TestExecuteRejectsStructurallyInvalidTask(t *testing.T) {
	cache := &fakeCache{cookie: "xq_a_token=abc"}
	fetcher := &fakeFetcher{}
	e := newTestExecutor(testConfig(), cache, fetcher)

	task := cnTask()
	task.Symbol = ""
	res := e.Execute(context.Background(), task)

	require.False(t, res.Success)
	assert.Equal(t, domain.ErrKindInvalidTask, res.ErrorKind)
	assert.True(t, res.Terminal())
	assert.Zero(t, fetcher.calls)
}

func TestExecuteUnsupportedCombination(t *testing.T) {
	cache := &fakeCache{}
	fetcher := &fakeFetcher{}
	e := newTestExecutor(testConfig(), cache, fetcher)

	task := cnTask()
	task.TaskType = domain.TaskTypeUS1mRealtime
	res := e.Execute(context.Background(), task)

	require.False(t, res.Success)
	assert.Equal(t, domain.ErrKindUnsupportedTask, res.ErrorKind)
	assert.Zero(t, fetcher.calls)
}

func TestExecuteMissingCookieNeverHitsUpstream(t *testing.T) {
	cache := &fakeCache{cookie: ""}
	fetcher := &fakeFetcher{}
	e := newTestExecutor(testConfig(), cache, fetcher)

	res := e.Execute(context.Background(), cnTask())

	require.False(t, res.Success)
	assert.Equal(t, domain.ErrKindMissingCookie, res.ErrorKind)
	assert.True(t, res.Terminal())
	assert.Zero(t, fetcher.calls)
}

func TestExecuteCookieInjectionDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableCookieInjection = false
	cache := &fakeCache{}
	fetcher := &fakeFetcher{resp: provider.Response{StatusCode: 200, Data: json.RawMessage(`{}`)}}
	e := newTestExecutor(cfg, cache, fetcher)

	res := e.Execute(context.Background(), cnTask())

	require.True(t, res.Success)
	assert.Zero(t, cache.cookieCalls)
	assert.Empty(t, fetcher.last.Cookie)
}

func TestExecuteUSNeedsNoCookie(t *testing.T) {
	cache := &fakeCache{}
	fetcher := &fakeFetcher{resp: provider.Response{StatusCode: 200, Data: json.RawMessage(`{}`)}}
	e := newTestExecutor(testConfig(), cache, fetcher)

	task := domain.Task{
		TaskID:   "t-us",
		TaskType: domain.TaskTypeUS1mRealtime,
		Market:   domain.MarketUS,
		Symbol:   "AAPL",
	}
	res := e.Execute(context.Background(), task)

	require.True(t, res.Success, "error: %s", res.ErrorDetail)
	assert.Zero(t, cache.cookieCalls)
}

func TestExecutePayloadProxyWinsOverCache(t *testing.T) {
	cache := &fakeCache{cookie: "c", proxy: "http://cache:8080"}
	fetcher := &fakeFetcher{resp: provider.Response{StatusCode: 200, Data: json.RawMessage(`{}`)}}
	e := newTestExecutor(testConfig(), cache, fetcher)

	task := cnTask()
	task.Payload.Proxy = "http://pinned:8080"
	res := e.Execute(context.Background(), task)

	require.True(t, res.Success)
	assert.Zero(t, cache.proxyCalls)
	assert.Equal(t, "http://pinned:8080", fetcher.last.Proxy)
	assert.True(t, res.UsedProxy)
}

func TestExecuteProxyInjectionDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableProxyInjection = false
	cache := &fakeCache{cookie: "c", proxy: "http://cache:8080"}
	fetcher := &fakeFetcher{resp: provider.Response{StatusCode: 200, Data: json.RawMessage(`{}`)}}
	e := newTestExecutor(cfg, cache, fetcher)

	res := e.Execute(context.Background(), cnTask())

	require.True(t, res.Success)
	assert.Zero(t, cache.proxyCalls)
	assert.Empty(t, fetcher.last.Proxy)
	assert.False(t, res.UsedProxy)
}

func TestExecuteProxyErrorInvalidatesPool(t *testing.T) {
	cache := &fakeCache{cookie: "c", proxy: "http://dead:8080"}
	fetcher := &fakeFetcher{err: domain.NewCrawlError(domain.ErrKindProxyError, "proxyconnect refused")}
	e := newTestExecutor(testConfig(), cache, fetcher)

	res := e.Execute(context.Background(), cnTask())

	require.False(t, res.Success)
	assert.Equal(t, domain.ErrKindProxyError, res.ErrorKind)
	assert.False(t, res.Terminal())
	assert.Equal(t, []string{"CN"}, cache.invalidated)
}

func TestExecuteUpstream4xxIsTerminal(t *testing.T) {
	ce := domain.NewCrawlError(domain.ErrKindHTTP4xx, "http status 403")
	ce.StatusCode = 403
	cache := &fakeCache{cookie: "c"}
	fetcher := &fakeFetcher{err: ce}
	e := newTestExecutor(testConfig(), cache, fetcher)

	res := e.Execute(context.Background(), cnTask())

	require.False(t, res.Success)
	assert.Equal(t, domain.ErrKindHTTP4xx, res.ErrorKind)
	assert.Equal(t, 403, res.StatusCode)
	assert.True(t, res.Terminal())
}

func TestExecuteClampsRequestDeadline(t *testing.T) {
	cache := &fakeCache{cookie: "c"}
	fetcher := &fakeFetcher{resp: provider.Response{StatusCode: 200, Data: json.RawMessage(`{}`)}}
	e := newTestExecutor(testConfig(), cache, fetcher)

	task := cnTask()
	task.TimeoutS = 300
	start := time.Now()
	res := e.Execute(context.Background(), task)

	require.True(t, res.Success)
	deadline, ok := fetcher.ctx.Deadline()
	require.True(t, ok, "request context must carry a deadline")
	assert.LessOrEqual(t, deadline.Sub(start), domain.MaxTaskTimeout+time.Second)
}

func TestExecuteAppliesBackfillFilter(t *testing.T) {
	inWindow := time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC).UnixMilli()
	outOfWindow := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	body, err := json.Marshal(map[string]any{
		"symbol": "SH600000",
		"item":   [][]any{{inWindow, 7.1}, {outOfWindow, 7.9}},
	})
	require.NoError(t, err)

	cache := &fakeCache{cookie: "c"}
	fetcher := &fakeFetcher{resp: provider.Response{StatusCode: 200, Data: body, RecordsCount: 2}}
	e := newTestExecutor(testConfig(), cache, fetcher)

	task := domain.Task{
		TaskID:   "t-bf",
		TaskType: domain.TaskType1dBackfill,
		Market:   domain.MarketCN,
		Symbol:   "SH600000",
		Payload: domain.TaskPayload{
			CookieID:  "pool-1",
			StartDate: "2024-01-10",
			EndDate:   "2024-01-12",
		},
	}
	res := e.Execute(context.Background(), task)

	require.True(t, res.Success, "error: %s", res.ErrorDetail)
	assert.Equal(t, 1, res.RecordsCount)
}
