// Package yahoo builds and validates requests against the Yahoo Finance
// chart API, the provider for US-market tasks. No cookie is required.
package yahoo

import (
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/provider"
	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

// DefaultBaseURL is the production API host.
const DefaultBaseURL = "https://query1.finance.yahoo.com"

// intervalMapping translates a payload period hint to the chart API format.
var intervalMapping = map[string]string{
	"1m":  "1m",
	"5m":  "5m",
	"15m": "15m",
	"1h":  "1h",
	"1d":  "1d",
}

// Adapter builds Yahoo chart requests. BaseURL is overridable for tests.
type Adapter struct {
	BaseURL string
}

// New constructs an Adapter against the production host.
func New() *Adapter {
	return &Adapter{BaseURL: DefaultBaseURL}
}

// Build constructs the chart request for a US task. A start/end date pair
// switches the query from a rolling range to an explicit period window.
func (a *Adapter) Build(task domain.Task) (provider.Request, provider.Validator, string, error) {
	interval := "1m"
	if v, ok := intervalMapping[task.Payload.Period]; ok {
		interval = v
	}

	q := url.Values{}
	q.Set("interval", interval)
	q.Set("includePrePost", "true")
	if task.Payload.StartDate != "" && task.Payload.EndDate != "" {
		start, err := time.Parse("2006-01-02", task.Payload.StartDate)
		if err != nil {
			return provider.Request{}, nil, "", domain.NewCrawlError(
				domain.ErrKindInvalidTask, "bad start_date %q", task.Payload.StartDate)
		}
		end, err := time.Parse("2006-01-02", task.Payload.EndDate)
		if err != nil {
			return provider.Request{}, nil, "", domain.NewCrawlError(
				domain.ErrKindInvalidTask, "bad end_date %q", task.Payload.EndDate)
		}
		q.Set("period1", strconv.FormatInt(start.UTC().Unix(), 10))
		q.Set("period2", strconv.FormatInt(end.UTC().Add(24*time.Hour).Unix(), 10))
	} else {
		q.Set("range", "1d")
	}
	for k, v := range task.Payload.Params {
		q.Set(k, v)
	}

	req := provider.Request{
		URL:     a.BaseURL + "/v8/finance/chart/" + url.PathEscape(task.Symbol),
		Method:  task.Payload.Method,
		Query:   q,
		Headers: map[string]string{},
	}
	for k, v := range task.Payload.Headers {
		req.Headers[k] = v
	}
	return req, Validator{}, domain.EndpointKline, nil
}

// Validator unwraps the chart envelope. Data is the first result object;
// the record count is the number of timestamps it carries.
type Validator struct{}

func (Validator) Validate(body []byte) (json.RawMessage, int, error) {
	var env struct {
		Chart struct {
			Result []json.RawMessage `json:"result"`
			Error  *struct {
				Code        string `json:"code"`
				Description string `json:"description"`
			} `json:"error"`
		} `json:"chart"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, 0, domain.NewCrawlError(domain.ErrKindProviderError, "malformed envelope: %v", err)
	}
	if env.Chart.Error != nil {
		return nil, 0, domain.NewCrawlError(domain.ErrKindProviderError,
			"%s: %s", env.Chart.Error.Code, env.Chart.Error.Description)
	}
	if len(env.Chart.Result) == 0 {
		return nil, 0, domain.NewCrawlError(domain.ErrKindProviderError, "empty chart result")
	}

	data := env.Chart.Result[0]
	var probe struct {
		Timestamp []int64 `json:"timestamp"`
	}
	_ = json.Unmarshal(data, &probe)
	return data, len(probe.Timestamp), nil
}
