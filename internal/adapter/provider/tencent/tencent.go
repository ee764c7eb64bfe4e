// Package tencent builds and validates requests against the Tencent
// ifzq quote API, the provider for HK-market tasks. No cookie is required.
package tencent

import (
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/provider"
	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://web.ifzq.gtimg.cn"

const defaultBarCount = 320

// periodMapping translates a payload period hint to the API's kline key.
var periodMapping = map[string]string{
	"1m":  "m1",
	"5m":  "m5",
	"15m": "m15",
	"30m": "m30",
	"1h":  "m60",
	"1d":  "day",
}

// Adapter builds Tencent requests. BaseURL is overridable for tests.
type Adapter struct {
	BaseURL string
}

// New constructs an Adapter against the production host.
func New() *Adapter {
	return &Adapter{BaseURL: DefaultBaseURL}
}

// Build constructs the fqkline request for an HK task. The API takes one
// packed param: "<symbol>,<period>,,<count>".
func (a *Adapter) Build(task domain.Task) (provider.Request, provider.Validator, string, error) {
	period := "m1"
	if v, ok := periodMapping[task.Payload.Period]; ok {
		period = v
	}
	count := task.Payload.Count
	if count <= 0 {
		count = defaultBarCount
	}

	q := url.Values{}
	q.Set("param", task.Symbol+","+period+",,"+strconv.Itoa(count))
	for k, v := range task.Payload.Params {
		q.Set(k, v)
	}

	req := provider.Request{
		URL:     a.BaseURL + "/appstock/app/hkfqkline/get",
		Method:  task.Payload.Method,
		Query:   q,
		Headers: map[string]string{},
	}
	for k, v := range task.Payload.Headers {
		req.Headers[k] = v
	}
	return req, Validator{Symbol: task.Symbol, PeriodKey: period}, domain.EndpointKline, nil
}

// Validator interprets the ifzq envelope. A non-zero code inside a 2xx
// response is a terminal provider failure.
type Validator struct {
	Symbol    string
	PeriodKey string
}

func (v Validator) Validate(body []byte) (json.RawMessage, int, error) {
	var env struct {
		Code *int            `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, 0, domain.NewCrawlError(domain.ErrKindProviderError, "malformed envelope: %v", err)
	}
	if env.Code != nil && *env.Code != 0 {
		msg := env.Msg
		if msg == "" {
			msg = "code " + strconv.Itoa(*env.Code)
		}
		return nil, 0, domain.NewCrawlError(domain.ErrKindProviderError, "%s", msg)
	}
	if len(env.Data) == 0 {
		return nil, 0, domain.NewCrawlError(domain.ErrKindProviderError, "empty data")
	}
	return env.Data, v.countBars(env.Data), nil
}

// countBars counts the kline rows under data.<symbol>.<period>. A non-empty
// payload of another shape counts as one record.
func (v Validator) countBars(data json.RawMessage) int {
	var bySymbol map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &bySymbol); err != nil {
		return 1
	}
	sym, ok := bySymbol[v.Symbol]
	if !ok {
		if len(bySymbol) > 0 {
			return 1
		}
		return 0
	}
	raw, ok := sym[v.PeriodKey]
	if !ok {
		// Adjusted klines come back under qfq<period>.
		raw, ok = sym["qfq"+v.PeriodKey]
	}
	if !ok {
		if len(sym) > 0 {
			return 1
		}
		return 0
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return 1
	}
	return len(rows)
}
