package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Markets
const (
	MarketCN = "CN"
	MarketUS = "US"
	MarketHK = "HK"
)

// Task types
const (
	TaskType1mRealtime   = "1m_realtime"
	TaskType5mRealtime   = "5m_realtime"
	TaskType15mRealtime  = "15m_realtime"
	TaskType15mBackfill  = "15m_backfill"
	TaskType1dBackfill   = "1d_backfill"
	TaskTypeUS1mRealtime = "us_1m_realtime"
	TaskTypeHK1mRealtime = "hk_1m_realtime"
)

// Provider endpoint tags
const (
	EndpointKline      = "kline"
	EndpointQuote      = "quote"
	EndpointBatchQuote = "batch_quote"
	EndpointMinute     = "minute"
	EndpointDetail     = "detail"
)

// MaxTaskTimeout is the hard cap for a single upstream request. A task may
// ask for less, never more.
const MaxTaskTimeout = 45 * time.Second

// Tier selects the queue subscription set and the consumer-group name of a
// worker process.
type Tier string

const (
	TierCritical Tier = "CRITICAL"
	TierHigh     Tier = "HIGH"
	TierNormal   Tier = "NORMAL"
)

// ParseTier parses a PRIORITY_LEVEL value. NORMAL is the canonical name of
// the third tier.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToUpper(strings.TrimSpace(s))) {
	case TierCritical:
		return TierCritical, nil
	case TierHigh:
		return TierHigh, nil
	case TierNormal:
		return TierNormal, nil
	}
	return "", fmt.Errorf("op=domain.ParseTier: unknown tier %q", s)
}

// Queues returns the subscribed queue names in priority order (descending).
func (t Tier) Queues() []string {
	switch t {
	case TierCritical:
		return []string{"crawler_backfill_critical", "crawler_realtime_critical"}
	case TierHigh:
		return []string{"crawler_backfill_high", "crawler_realtime_high", "crawler_backfill_normal"}
	case TierNormal:
		return []string{"crawler_backfill_normal", "crawler_realtime_normal"}
	}
	return nil
}

// Group returns the broker consumer-group name for the tier.
func (t Tier) Group() string {
	return "crawler_" + strings.ToLower(string(t))
}

// TaskPayload carries the free-form part of a Task. Known fields are typed;
// anything forward-compatible rides in Extras.
type TaskPayload struct {
	CookieID  string            `json:"cookie_id,omitempty"`
	Proxy     string            `json:"proxy,omitempty"`
	StartDate string            `json:"start_date,omitempty"`
	EndDate   string            `json:"end_date,omitempty"`
	Period    string            `json:"period,omitempty"`
	Count     int               `json:"count,omitempty"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Extras    map[string]any    `json:"extras,omitempty"`
}

// Task is the unit of work pulled from the broker.
// Invariants: the effective request timeout is min(TimeoutS, 45s); a CN task
// against a primary endpoint must resolve a cookie unless cookie injection
// is disabled.
type Task struct {
	TaskID     string      `json:"task_id" validate:"required"`
	TaskType   string      `json:"task_type" validate:"required,oneof=1m_realtime 5m_realtime 15m_realtime 15m_backfill 1d_backfill us_1m_realtime hk_1m_realtime"`
	Market     string      `json:"market" validate:"required,oneof=CN US HK"`
	Symbol     string      `json:"symbol" validate:"required"`
	Endpoint   string      `json:"endpoint" validate:"omitempty,oneof=kline quote batch_quote minute detail"`
	Payload    TaskPayload `json:"payload"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Attempt    int         `json:"attempt"`
	TimeoutS   int         `json:"timeout_s"`
}

// EffectiveTimeout clamps the caller's timeout hint to the 45s hard cap.
// def is the per-worker default applied when the task carries no hint.
func (t Task) EffectiveTimeout(def time.Duration) time.Duration {
	d := def
	if t.TimeoutS > 0 {
		d = time.Duration(t.TimeoutS) * time.Second
	}
	if d <= 0 || d > MaxTaskTimeout {
		d = MaxTaskTimeout
	}
	return d
}

// TaskResult is the outcome envelope reported for every dequeued task.
type TaskResult struct {
	TaskID       string          `json:"task_id"`
	Success      bool            `json:"success"`
	Data         json.RawMessage `json:"data,omitempty"`
	RecordsCount int             `json:"records_count"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
	StatusCode   int             `json:"status_code,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	WorkerID     string          `json:"worker_id"`
	UsedProxy    bool            `json:"used_proxy"`
	UsedCookieID string          `json:"used_cookie_id,omitempty"`
}

// Terminal reports whether the result must be acknowledged (success or
// terminal failure) as opposed to left for broker redelivery.
func (r TaskResult) Terminal() bool {
	return r.Success || r.ErrorKind.Terminal()
}

// CookieRecord is the shared-cache record a cookie_id resolves to.
type CookieRecord struct {
	CookieID   string    `json:"cookie_id"`
	CookieText string    `json:"cookie_text"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ProxyList is the shared-cache record holding the active proxy pool for a
// market. Treated as ephemeral; a fresh random pick on every task.
type ProxyList struct {
	Proxies     []string  `json:"proxies"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// WorkerStatus values
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "starting"
	WorkerRunning  WorkerStatus = "running"
	WorkerDraining WorkerStatus = "draining"
	WorkerStopped  WorkerStatus = "stopped"
)

// WorkerDescriptor is a point-in-time snapshot of a worker process.
type WorkerDescriptor struct {
	WorkerID         string       `json:"worker_id"`
	Tier             Tier         `json:"tier"`
	SubscribedQueues []string     `json:"subscribed_queues"`
	MaxConcurrent    int          `json:"max_concurrent"`
	Status           WorkerStatus `json:"status"`
	InFlightCount    int          `json:"in_flight_count"`
	ProcessedTotal   int64        `json:"processed_total"`
	FailedTotal      int64        `json:"failed_total"`
}

// Delivery is one message handed from the stream consumer to the supervisor.
// The consumer does not decode payload semantics beyond task_id.
type Delivery struct {
	Queue     string
	MessageID string
	TaskID    string
	Body      []byte
	Attempt   int
}

// Ports

// ResourceCache reads cookies and proxy lists from the broker keyspace.
// Both lookups return empty on miss without error.
type ResourceCache interface {
	GetCookie(ctx context.Context, market, cookieID string) (string, error)
	GetRandomProxy(ctx context.Context, market string) (string, error)
	InvalidateProxies(market string)
}

// Acker acknowledges a delivery on terminal outcome. A transient failure is
// never acked; the broker redelivers it.
type Acker interface {
	Ack(ctx context.Context, d Delivery) error
}

// ResultPublisher forwards the TaskResult envelope to downstream consumers.
type ResultPublisher interface {
	PublishResult(ctx context.Context, r TaskResult) error
}

// TaskExecutor runs one task end to end and always produces a result
// envelope, never a bare error.
type TaskExecutor interface {
	Execute(ctx context.Context, task Task) TaskResult
}
