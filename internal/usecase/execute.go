package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/observability"
	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/provider"
	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/provider/router"
	"github.com/fairyhunter13/market-crawl-worker/internal/config"
	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
	obsctx "github.com/fairyhunter13/market-crawl-worker/internal/observability"
)

// Fetcher issues one validated upstream request.
type Fetcher interface {
	Do(ctx context.Context, providerName, endpoint string, req provider.Request, v provider.Validator) (provider.Response, error)
}

// TaskRouter resolves the provider call for a task.
type TaskRouter interface {
	Route(task domain.Task) (router.Route, error)
}

// Executor runs one task end to end: structural validation, cookie and
// proxy injection, gate admission, the upstream call and result shaping.
// Every outcome is a TaskResult; Execute never returns a bare error.
type Executor struct {
	workerID       string
	defaultTimeout time.Duration
	injectProxy    bool
	injectCookie   bool

	cache    domain.ResourceCache
	fetcher  Fetcher
	router   TaskRouter
	gate     *Gate
	validate *validator.Validate
}

var _ domain.TaskExecutor = (*Executor)(nil)

// NewExecutor wires the execution pipeline from its parts.
func NewExecutor(cfg config.Config, cache domain.ResourceCache, fetcher Fetcher, rt TaskRouter, gate *Gate) *Executor {
	return &Executor{
		workerID:       cfg.WorkerID,
		defaultTimeout: cfg.TaskTimeout(),
		injectProxy:    cfg.EnableProxyInjection,
		injectCookie:   cfg.EnableCookieInjection,
		cache:          cache,
		fetcher:        fetcher,
		router:         rt,
		gate:           gate,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Execute runs a single task. ctx cancellation surfaces as a transient
// cancelled result so the broker redelivers the task elsewhere.
func (e *Executor) Execute(ctx context.Context, task domain.Task) domain.TaskResult {
	started := time.Now().UTC()
	log := obsctx.LoggerFromContext(ctx).With(
		slog.String("task_id", task.TaskID),
		slog.String("task_type", task.TaskType),
		slog.String("market", task.Market),
		slog.String("symbol", task.Symbol),
	)

	res := domain.TaskResult{
		TaskID:    task.TaskID,
		WorkerID:  e.workerID,
		StartedAt: started,
	}

	if err := e.validate.Struct(task); err != nil {
		return e.fail(log, res, domain.NewCrawlError(domain.ErrKindInvalidTask, "%v", err))
	}

	route, err := e.router.Route(task)
	if err != nil {
		return e.fail(log, res, err)
	}

	if route.NeedsCookie && e.injectCookie {
		cookie, err := e.cache.GetCookie(ctx, task.Market, task.Payload.CookieID)
		if err != nil {
			return e.fail(log, res, domain.WrapCrawlError(domain.ErrKindInternal, err))
		}
		if cookie == "" {
			observability.MissingCookieTotal.Inc()
			return e.fail(log, res, domain.NewCrawlError(domain.ErrKindMissingCookie,
				"no cookie for market %s cookie_id %q", task.Market, task.Payload.CookieID))
		}
		route.Request.Cookie = cookie
		res.UsedCookieID = task.Payload.CookieID
	}

	proxy := task.Payload.Proxy
	if proxy == "" && e.injectProxy {
		p, err := e.cache.GetRandomProxy(ctx, task.Market)
		if err != nil {
			// Proxies are optional; a cache hiccup downgrades to direct.
			log.Warn("proxy lookup failed, going direct", slog.Any("error", err))
		} else {
			proxy = p
		}
	}
	route.Request.Proxy = proxy
	res.UsedProxy = proxy != ""

	release, err := e.gate.Acquire(ctx, proxy != "")
	if err != nil {
		return e.fail(log, res, err)
	}
	defer release()

	reqCtx, cancel := context.WithTimeout(ctx, task.EffectiveTimeout(e.defaultTimeout))
	defer cancel()

	resp, err := e.fetcher.Do(reqCtx, route.Provider, route.Endpoint, route.Request, route.Validator)
	if err != nil {
		if domain.KindOf(err) == domain.ErrKindProxyError {
			e.cache.InvalidateProxies(task.Market)
		}
		return e.fail(log, res, err)
	}

	if route.Filter != nil {
		resp, err = route.Filter(resp)
		if err != nil {
			return e.fail(log, res, err)
		}
	}

	res.Success = true
	res.Data = resp.Data
	res.RecordsCount = resp.RecordsCount
	res.StatusCode = resp.StatusCode
	res.FinishedAt = time.Now().UTC()
	observability.TasksCompletedTotal.WithLabelValues(task.Market, task.TaskType).Inc()
	log.Info("task completed",
		slog.Int("records", res.RecordsCount),
		slog.Duration("duration", res.FinishedAt.Sub(started)))
	return res
}

func (e *Executor) fail(log *slog.Logger, res domain.TaskResult, err error) domain.TaskResult {
	kind := domain.KindOf(err)
	res.Success = false
	res.ErrorKind = kind
	res.ErrorDetail = err.Error()
	res.StatusCode = domain.StatusOf(err)
	res.FinishedAt = time.Now().UTC()

	observability.TasksFailedTotal.WithLabelValues(string(kind)).Inc()
	if kind == domain.ErrKindInternal {
		observability.InternalErrorTotal.Inc()
	}
	log.Warn("task failed",
		slog.String("kind", string(kind)),
		slog.Bool("terminal", kind.Terminal()),
		slog.String("detail", res.ErrorDetail))
	return res
}
