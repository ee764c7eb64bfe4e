package dragonfly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

// registryTTL keeps stale worker records from outliving a crashed process
// by more than two heartbeat intervals.
const registryTTL = 120 * time.Second

// Registry publishes worker identity and liveness into the broker keyspace
// so the scheduler side can see which workers exist and what they are doing.
type Registry struct {
	rdb      redis.Cmdable
	workerID string
}

// NewRegistry constructs a Registry for one worker process.
func NewRegistry(rdb redis.Cmdable, workerID string) *Registry {
	return &Registry{rdb: rdb, workerID: workerID}
}

// Register writes the worker descriptor under worker:<id>.
func (r *Registry) Register(ctx context.Context, desc domain.WorkerDescriptor) error {
	body, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("op=registry.Register: marshal: %w", err)
	}
	if err := r.rdb.Set(ctx, "worker:"+r.workerID, body, registryTTL).Err(); err != nil {
		return fmt.Errorf("op=registry.Register: %w", err)
	}
	return nil
}

// ReportStatus refreshes worker_status:<id> with a live snapshot. Called
// periodically by the supervisor heartbeat.
func (r *Registry) ReportStatus(ctx context.Context, desc domain.WorkerDescriptor) error {
	body, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("op=registry.ReportStatus: marshal: %w", err)
	}
	if err := r.rdb.Set(ctx, "worker_status:"+r.workerID, body, registryTTL).Err(); err != nil {
		return fmt.Errorf("op=registry.ReportStatus: %w", err)
	}
	return nil
}

// Deregister removes the worker's records on clean shutdown.
func (r *Registry) Deregister(ctx context.Context) error {
	if err := r.rdb.Del(ctx, "worker:"+r.workerID, "worker_status:"+r.workerID).Err(); err != nil {
		return fmt.Errorf("op=registry.Deregister: %w", err)
	}
	return nil
}
