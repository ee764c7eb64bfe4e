package dragonfly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/observability"
	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

// ResultStream is the stream downstream services consume TaskResult
// envelopes from.
const ResultStream = "crawler_task_results"

// resultStreamMaxLen bounds the result stream; trimming is approximate.
const resultStreamMaxLen = 100000

// Consumer reads tasks for one tier from the broker's priority queues.
//
// It is a pure producer: decoded deliveries flow out over a bounded channel
// and the supervisor owns all execution slots. Acknowledgment comes back
// through the Acker port.
type Consumer struct {
	rdb      *redis.Client
	tier     domain.Tier
	group    string
	consumer string
	queues   []string
	block    time.Duration

	deliveries chan domain.Delivery
}

var (
	_ domain.Acker           = (*Consumer)(nil)
	_ domain.ResultPublisher = (*Consumer)(nil)
)

// NewConsumer constructs a Consumer for a tier. workerID becomes the
// consumer name inside the tier's consumer group.
func NewConsumer(rdb *redis.Client, tier domain.Tier, workerID string, block time.Duration) *Consumer {
	if block <= 0 || block > 2*time.Second {
		block = 2 * time.Second
	}
	return &Consumer{
		rdb:      rdb,
		tier:     tier,
		group:    tier.Group(),
		consumer: workerID,
		queues:   tier.Queues(),
		block:    block,
		// Capacity 1: the consumer may read one message ahead of the
		// supervisor, no more. Backpressure, not buffering.
		deliveries: make(chan domain.Delivery, 1),
	}
}

// Deliveries returns the channel the supervisor receives tasks on. It is
// closed when Run returns.
func (c *Consumer) Deliveries() <-chan domain.Delivery { return c.deliveries }

// Queues returns the subscribed queue names in priority order.
func (c *Consumer) Queues() []string { return c.queues }

// EnsureGroups creates the tier consumer group on every subscribed stream.
// Existing groups are fine.
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, q := range c.queues {
		if err := c.rdb.XGroupCreateMkStream(ctx, q, c.group, "0").Err(); err != nil {
			if strings.Contains(err.Error(), "BUSYGROUP") {
				continue
			}
			return fmt.Errorf("op=consumer.EnsureGroups: queue %s: %w", q, err)
		}
	}
	return nil
}

// Run replays this consumer's unacknowledged deliveries (crash recovery),
// then reads the queues until ctx is cancelled. Deliveries are handed off in
// strict priority order: a higher-priority queue with any pending item is
// served before any lower-priority one.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.deliveries)

	if err := c.replayPending(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, err := c.readBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("stream read failed", slog.String("group", c.group), slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}
		for _, d := range batch {
			select {
			case c.deliveries <- d:
			case <-ctx.Done():
				// Undispatched messages stay in the PEL; the broker will
				// redeliver them to another worker.
				return ctx.Err()
			}
		}
	}
}

// readBatch sweeps the queues non-blocking in priority order, then falls
// back to a single blocking read across the whole set. The blocking read's
// COUNT applies per stream, so its reply can carry one message per queue;
// every one of them is already in this consumer's pending-entries list and
// must be handed off, ordered by queue priority.
func (c *Consumer) readBatch(ctx context.Context) ([]domain.Delivery, error) {
	for _, q := range c.queues {
		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{q, ">"},
			Count:    1,
			Block:    -1,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		if ds := c.toDeliveries(streams); len(ds) > 0 {
			return ds, nil
		}
	}

	streamArgs := make([]string, 0, len(c.queues)*2)
	streamArgs = append(streamArgs, c.queues...)
	for range c.queues {
		streamArgs = append(streamArgs, ">")
	}
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  streamArgs,
		Count:    1,
		Block:    c.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return c.toDeliveries(streams), nil
}

// replayPending re-reads this consumer's own pending-entries list so that
// deliveries from a previous incarnation of the same worker_id are executed
// before any new work.
func (c *Consumer) replayPending(ctx context.Context) error {
	for _, q := range c.queues {
		for {
			streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    c.group,
				Consumer: c.consumer,
				Streams:  []string{q, "0"},
				Count:    10,
				Block:    -1,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					break
				}
				return fmt.Errorf("op=consumer.replayPending: queue %s: %w", q, err)
			}
			msgs := messagesOf(streams, q)
			if len(msgs) == 0 {
				break
			}
			slog.Info("replaying pending deliveries",
				slog.String("queue", q),
				slog.Int("count", len(msgs)))
			for _, m := range msgs {
				select {
				case c.deliveries <- c.toDelivery(q, m):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
	return nil
}

// toDeliveries flattens a read reply into deliveries ordered by queue
// priority. Nothing in the reply is dropped.
func (c *Consumer) toDeliveries(streams []redis.XStream) []domain.Delivery {
	byName := make(map[string][]redis.XMessage, len(streams))
	for _, s := range streams {
		byName[s.Stream] = s.Messages
	}
	var out []domain.Delivery
	for _, q := range c.queues {
		for _, m := range byName[q] {
			out = append(out, c.toDelivery(q, m))
		}
	}
	return out
}

func (c *Consumer) toDelivery(queue string, m redis.XMessage) domain.Delivery {
	d := domain.Delivery{Queue: queue, MessageID: m.ID}
	if v, ok := m.Values["task_id"].(string); ok {
		d.TaskID = v
	}
	if d.TaskID == "" {
		d.TaskID = m.ID
	}
	if v, ok := m.Values["body"].(string); ok {
		d.Body = []byte(v)
	}
	if v, ok := m.Values["attempt"].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.Attempt = n
		}
	}
	observability.TasksConsumedTotal.WithLabelValues(queue).Inc()
	return d
}

// Ack acknowledges a delivery on terminal outcome. Transient failures are
// never acked; the broker's claim mechanism redelivers them.
func (c *Consumer) Ack(ctx context.Context, d domain.Delivery) error {
	if err := c.rdb.XAck(ctx, d.Queue, c.group, d.MessageID).Err(); err != nil {
		return fmt.Errorf("op=consumer.Ack: queue %s id %s: %w", d.Queue, d.MessageID, err)
	}
	return nil
}

// PublishResult appends the TaskResult envelope to the result stream.
func (c *Consumer) PublishResult(ctx context.Context, r domain.TaskResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("op=consumer.PublishResult: marshal: %w", err)
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: ResultStream,
		MaxLen: resultStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"task_id": r.TaskID,
			"success": strconv.FormatBool(r.Success),
			"body":    string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("op=consumer.PublishResult: %w", err)
	}
	outcome := "failure"
	if r.Success {
		outcome = "success"
	}
	observability.ResultsPublishedTotal.WithLabelValues(outcome).Inc()
	return nil
}

func messagesOf(streams []redis.XStream, queue string) []redis.XMessage {
	for _, s := range streams {
		if s.Stream == queue {
			return s.Messages
		}
	}
	return nil
}
