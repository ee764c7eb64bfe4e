// Package usecase contains the task execution pipeline: admission through
// the concurrency gate, resource injection, the upstream call and result
// shaping.
package usecase

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/observability"
	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

// Upstream admission limits. Direct requests share the provider's goodwill
// from one egress IP, so the cap is tight; proxied requests spread out and
// get a looser one.
const (
	DirectPermits  = 5
	ProxiedPermits = 20
)

// Gate is the dual admission gate in front of upstream requests. The two
// pools are independent: saturating one never blocks the other.
type Gate struct {
	direct  *semaphore.Weighted
	proxied *semaphore.Weighted
}

// NewGate constructs a Gate with the standard permit counts.
func NewGate() *Gate {
	return &Gate{
		direct:  semaphore.NewWeighted(DirectPermits),
		proxied: semaphore.NewWeighted(ProxiedPermits),
	}
}

// Acquire blocks until a permit is available in the pool selected by
// viaProxy, or ctx is cancelled. The returned release must be called
// exactly once.
func (g *Gate) Acquire(ctx context.Context, viaProxy bool) (func(), error) {
	sem, label := g.direct, "direct"
	if viaProxy {
		sem, label = g.proxied, "proxied"
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, domain.WrapCrawlError(domain.ErrKindCancelled, err)
	}
	observability.GatePermitsInUse.WithLabelValues(label).Inc()
	return func() {
		sem.Release(1)
		observability.GatePermitsInUse.WithLabelValues(label).Dec()
	}, nil
}
