package dragonfly

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
)

func newTestConsumer(t *testing.T, tier domain.Tier) (*Consumer, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewConsumer(rdb, tier, "worker-test", 50*time.Millisecond)
	require.NoError(t, c.EnsureGroups(context.Background()))
	return c, rdb
}

func addTask(t *testing.T, rdb *redis.Client, queue, taskID string) {
	t.Helper()
	body, err := json.Marshal(map[string]string{"task_id": taskID})
	require.NoError(t, err)
	err = rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: queue,
		Values: map[string]any{"task_id": taskID, "body": string(body), "attempt": "1"},
	}).Err()
	require.NoError(t, err)
}

// collect runs the consumer and receives up to n deliveries.
func collect(t *testing.T, c *Consumer, n int) []domain.Delivery {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	var out []domain.Delivery
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case d := <-c.Deliveries():
			out = append(out, d)
		case <-deadline:
			t.Fatalf("timed out after %d of %d deliveries", len(out), n)
		}
	}
	return out
}

func TestEnsureGroupsIsIdempotent(t *testing.T) {
	c, _ := newTestConsumer(t, domain.TierNormal)
	require.NoError(t, c.EnsureGroups(context.Background()))
}

func TestConsumerDecodesDeliveries(t *testing.T) {
	c, rdb := newTestConsumer(t, domain.TierNormal)
	addTask(t, rdb, "crawler_realtime_normal", "task-1")

	got := collect(t, c, 1)
	d := got[0]
	assert.Equal(t, "crawler_realtime_normal", d.Queue)
	assert.Equal(t, "task-1", d.TaskID)
	assert.Equal(t, 1, d.Attempt)
	assert.NotEmpty(t, d.MessageID)
	assert.JSONEq(t, `{"task_id":"task-1"}`, string(d.Body))
}

func TestConsumerServesBackfillBeforeRealtime(t *testing.T) {
	c, rdb := newTestConsumer(t, domain.TierCritical)
	// Realtime enqueued first; backfill must still come out first.
	addTask(t, rdb, "crawler_realtime_critical", "rt-1")
	addTask(t, rdb, "crawler_backfill_critical", "bf-1")
	addTask(t, rdb, "crawler_backfill_critical", "bf-2")

	got := collect(t, c, 3)
	assert.Equal(t, "bf-1", got[0].TaskID)
	assert.Equal(t, "bf-2", got[1].TaskID)
	assert.Equal(t, "rt-1", got[2].TaskID)
}

func TestHighTierCoversNormalBackfill(t *testing.T) {
	c, rdb := newTestConsumer(t, domain.TierHigh)
	addTask(t, rdb, "crawler_backfill_normal", "spill-1")

	got := collect(t, c, 1)
	assert.Equal(t, "spill-1", got[0].TaskID)
}

func TestMultiStreamReplyKeepsEveryMessage(t *testing.T) {
	// A blocking read across all queues applies COUNT per stream, so one
	// reply can carry a message from each queue. All of them must come out,
	// highest-priority queue first.
	c, _ := newTestConsumer(t, domain.TierNormal)
	reply := []redis.XStream{
		{Stream: "crawler_realtime_normal", Messages: []redis.XMessage{
			{ID: "1-1", Values: map[string]any{"task_id": "rt-1", "body": `{}`}},
		}},
		{Stream: "crawler_backfill_normal", Messages: []redis.XMessage{
			{ID: "1-2", Values: map[string]any{"task_id": "bf-1", "body": `{}`}},
		}},
	}

	got := c.toDeliveries(reply)
	require.Len(t, got, 2)
	assert.Equal(t, "bf-1", got[0].TaskID)
	assert.Equal(t, "rt-1", got[1].TaskID)
}

func TestConsumerReplaysOwnPending(t *testing.T) {
	c, rdb := newTestConsumer(t, domain.TierNormal)
	addTask(t, rdb, "crawler_realtime_normal", "orphan")

	// A previous incarnation of the same worker read the message and died
	// before acking.
	ctx := context.Background()
	_, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    domain.TierNormal.Group(),
		Consumer: "worker-test",
		Streams:  []string{"crawler_realtime_normal", ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	require.NoError(t, err)

	got := collect(t, c, 1)
	assert.Equal(t, "orphan", got[0].TaskID)
}

func TestAckRemovesFromPending(t *testing.T) {
	c, rdb := newTestConsumer(t, domain.TierNormal)
	addTask(t, rdb, "crawler_realtime_normal", "task-1")

	got := collect(t, c, 1)
	ctx := context.Background()

	pending, err := rdb.XPending(ctx, "crawler_realtime_normal", c.group).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, pending.Count)

	require.NoError(t, c.Ack(ctx, got[0]))

	pending, err = rdb.XPending(ctx, "crawler_realtime_normal", c.group).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, pending.Count)
}

func TestPublishResult(t *testing.T) {
	c, rdb := newTestConsumer(t, domain.TierNormal)
	ctx := context.Background()

	res := domain.TaskResult{
		TaskID:       "task-9",
		Success:      true,
		RecordsCount: 42,
		WorkerID:     "worker-test",
	}
	require.NoError(t, c.PublishResult(ctx, res))

	msgs, err := rdb.XRange(ctx, ResultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "task-9", msgs[0].Values["task_id"])
	assert.Equal(t, "true", msgs[0].Values["success"])

	var decoded domain.TaskResult
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["body"].(string)), &decoded))
	assert.Equal(t, 42, decoded.RecordsCount)
}

func TestToDeliveryFallsBackToMessageID(t *testing.T) {
	c, rdb := newTestConsumer(t, domain.TierNormal)
	err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "crawler_realtime_normal",
		Values: map[string]any{"body": `{}`},
	}).Err()
	require.NoError(t, err)

	got := collect(t, c, 1)
	assert.Equal(t, got[0].MessageID, got[0].TaskID)
}
