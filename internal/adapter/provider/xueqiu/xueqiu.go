// Package xueqiu builds and validates requests against the Xueqiu stock
// API, the primary provider for CN-market tasks.
package xueqiu

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/provider"
	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://stock.xueqiu.com"

// klineIndicators is the full indicator set requested with every kline call.
const klineIndicators = "kline,pe,pb,ps,pcf,market_capital,agt,ggt,balance"

// endpointPaths maps the endpoint tag to its API path.
var endpointPaths = map[string]string{
	domain.EndpointKline:      "/v5/stock/chart/kline.json",
	domain.EndpointQuote:      "/v5/stock/quote.json",
	domain.EndpointBatchQuote: "/v5/stock/batch/quote.json",
	domain.EndpointMinute:     "/v5/stock/chart/minute.json",
	domain.EndpointDetail:     "/v5/stock/f10/cn/company.json",
}

// periodMapping translates a payload period hint to the provider's format.
var periodMapping = map[string]string{
	"1m":  "1m",
	"5m":  "5m",
	"15m": "15m",
	"30m": "30m",
	"1h":  "60m",
	"1d":  "day",
	"1w":  "week",
	"1M":  "month",
}

// taskTypePeriod is the period implied by the task type when the payload
// carries no hint.
var taskTypePeriod = map[string]string{
	domain.TaskType1mRealtime:  "1m",
	domain.TaskType5mRealtime:  "5m",
	domain.TaskType15mRealtime: "15m",
	domain.TaskType15mBackfill: "15m",
	domain.TaskType1dBackfill:  "day",
}

const (
	defaultRealtimeCount = 100
	defaultBackfillCount = 1000
)

// Adapter builds Xueqiu requests. BaseURL is overridable for tests.
type Adapter struct {
	BaseURL string

	now func() time.Time
}

// New constructs an Adapter against the production host.
func New() *Adapter {
	return &Adapter{BaseURL: DefaultBaseURL, now: time.Now}
}

// Build constructs the request and validator for a CN task. The endpoint
// defaults to kline when the task does not name one.
func (a *Adapter) Build(task domain.Task) (provider.Request, provider.Validator, string, error) {
	endpoint := task.Endpoint
	if endpoint == "" {
		endpoint = domain.EndpointKline
	}
	path, ok := endpointPaths[endpoint]
	if !ok {
		return provider.Request{}, nil, "", domain.NewCrawlError(
			domain.ErrKindUnsupportedTask, "unknown endpoint %q", endpoint)
	}

	q := url.Values{}
	q.Set("symbol", task.Symbol)
	switch endpoint {
	case domain.EndpointKline:
		a.klineParams(q, task)
	case domain.EndpointQuote, domain.EndpointBatchQuote:
		q.Set("extend", "detail")
	case domain.EndpointMinute:
		q.Set("period", "1d")
	}
	for k, v := range task.Payload.Params {
		q.Set(k, v)
	}

	req := provider.Request{
		URL:    a.BaseURL + path,
		Method: task.Payload.Method,
		Query:  q,
		Body:   task.Payload.Body,
		Headers: map[string]string{
			"Referer": "https://xueqiu.com/S/" + task.Symbol,
			"Origin":  "https://xueqiu.com",
		},
	}
	for k, v := range task.Payload.Headers {
		req.Headers[k] = v
	}
	return req, Validator{}, endpoint, nil
}

// klineParams fills the kline query: begin is the exclusive upper bound in
// epoch milliseconds, count is negative to request the latest N bars before
// begin.
func (a *Adapter) klineParams(q url.Values, task domain.Task) {
	period := taskTypePeriod[task.TaskType]
	if p, ok := periodMapping[task.Payload.Period]; ok && task.Payload.Period != "" {
		period = p
	}
	if period == "" {
		period = "day"
	}

	backfill := task.TaskType == domain.TaskType15mBackfill || task.TaskType == domain.TaskType1dBackfill

	begin := a.now().UnixMilli()
	if backfill && task.Payload.EndDate != "" {
		if t, err := time.Parse("2006-01-02", task.Payload.EndDate); err == nil {
			// End of the requested day; the backfill filter trims overshoot.
			begin = t.UTC().Add(24 * time.Hour).UnixMilli()
		}
	}

	count := task.Payload.Count
	if count <= 0 {
		count = defaultRealtimeCount
		if backfill {
			count = defaultBackfillCount
		}
	}

	q.Set("begin", strconv.FormatInt(begin, 10))
	q.Set("period", period)
	q.Set("type", "before")
	q.Set("count", strconv.Itoa(-count))
	q.Set("indicator", klineIndicators)
}

// WindowMillis converts a [start_date, end_date] pair to the half-open UTC
// window [start 00:00, end+1d 00:00) in epoch milliseconds.
func WindowMillis(startDate, endDate string) (int64, int64, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return 0, 0, fmt.Errorf("op=xueqiu.WindowMillis: start_date %q: %w", startDate, err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return 0, 0, fmt.Errorf("op=xueqiu.WindowMillis: end_date %q: %w", endDate, err)
	}
	return start.UTC().UnixMilli(), end.UTC().Add(24 * time.Hour).UnixMilli(), nil
}
