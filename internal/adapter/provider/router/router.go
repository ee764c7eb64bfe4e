// Package router maps a task's market and type to the provider adapter
// that serves it.
package router

import (
	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/provider"
	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/provider/tencent"
	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/provider/xueqiu"
	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/provider/yahoo"
	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

// Route is a fully built upstream call: the request (minus cookie and
// proxy, injected later), the validator for its response, and an optional
// post-fetch filter.
type Route struct {
	Provider    string
	Endpoint    string
	Request     provider.Request
	Validator   provider.Validator
	NeedsCookie bool
	Filter      func(provider.Response) (provider.Response, error)
}

// Router dispatches tasks to provider adapters.
type Router struct {
	xueqiu  *xueqiu.Adapter
	yahoo   *yahoo.Adapter
	tencent *tencent.Adapter
}

// New constructs a Router over the production adapters.
func New() *Router {
	return &Router{xueqiu: xueqiu.New(), yahoo: yahoo.New(), tencent: tencent.New()}
}

// NewWith constructs a Router over explicit adapters, for tests pointing at
// local servers.
func NewWith(xq *xueqiu.Adapter, yh *yahoo.Adapter, tc *tencent.Adapter) *Router {
	return &Router{xueqiu: xq, yahoo: yh, tencent: tc}
}

// Route resolves the provider call for a task. An unroutable combination of
// market and task type is a terminal unsupported_task failure.
func (r *Router) Route(task domain.Task) (Route, error) {
	switch task.Market {
	case domain.MarketCN:
		return r.routeCN(task)
	case domain.MarketUS:
		if task.TaskType != domain.TaskTypeUS1mRealtime {
			return Route{}, unsupported(task)
		}
		req, v, endpoint, err := r.yahoo.Build(task)
		if err != nil {
			return Route{}, err
		}
		return Route{Provider: "yahoo", Endpoint: endpoint, Request: req, Validator: v}, nil
	case domain.MarketHK:
		if task.TaskType != domain.TaskTypeHK1mRealtime {
			return Route{}, unsupported(task)
		}
		req, v, endpoint, err := r.tencent.Build(task)
		if err != nil {
			return Route{}, err
		}
		return Route{Provider: "tencent", Endpoint: endpoint, Request: req, Validator: v}, nil
	}
	return Route{}, unsupported(task)
}

func (r *Router) routeCN(task domain.Task) (Route, error) {
	switch task.TaskType {
	case domain.TaskType1mRealtime, domain.TaskType5mRealtime, domain.TaskType15mRealtime,
		domain.TaskType15mBackfill, domain.TaskType1dBackfill:
	default:
		return Route{}, unsupported(task)
	}

	req, v, endpoint, err := r.xueqiu.Build(task)
	if err != nil {
		return Route{}, err
	}
	route := Route{Provider: "xueqiu", Endpoint: endpoint, Request: req, Validator: v, NeedsCookie: true}

	backfill := task.TaskType == domain.TaskType15mBackfill || task.TaskType == domain.TaskType1dBackfill
	if backfill && endpoint == domain.EndpointKline &&
		task.Payload.StartDate != "" && task.Payload.EndDate != "" {
		startMs, endMs, err := xueqiu.WindowMillis(task.Payload.StartDate, task.Payload.EndDate)
		if err != nil {
			return Route{}, domain.NewCrawlError(domain.ErrKindInvalidTask, "bad backfill window: %v", err)
		}
		route.Filter = func(resp provider.Response) (provider.Response, error) {
			data, count, err := xueqiu.FilterKline(resp.Data, startMs, endMs)
			if err != nil {
				return provider.Response{}, err
			}
			resp.Data = data
			resp.RecordsCount = count
			return resp, nil
		}
	}
	return route, nil
}

func unsupported(task domain.Task) error {
	return domain.NewCrawlError(domain.ErrKindUnsupportedTask,
		"no provider for market %s task type %s", task.Market, task.TaskType)
}
