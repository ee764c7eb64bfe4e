// Package app assembles the worker process: the supervisor owning the
// task lifecycle and the admin HTTP server beside it.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/market-crawl-worker/internal/adapter/observability"
	"github.com/fairyhunter13/market-crawl-worker/internal/config"
	"github.com/fairyhunter13/market-crawl-worker/internal/domain"
	obsctx "github.com/fairyhunter13/market-crawl-worker/internal/observability"
)

// ErrDrainTimeout reports that in-flight tasks outlived the graceful
// shutdown budget and were cancelled.
var ErrDrainTimeout = errors.New("drain deadline exceeded with tasks in flight")

const (
	heartbeatInterval = 30 * time.Second
	// brokerOpTimeout bounds the ack/publish/registry calls that run on a
	// background context during and after drain.
	brokerOpTimeout = 5 * time.Second
)

// TaskSource produces deliveries until its context is cancelled.
type TaskSource interface {
	Run(ctx context.Context) error
	Deliveries() <-chan domain.Delivery
}

// WorkerRegistry publishes worker identity and liveness.
type WorkerRegistry interface {
	Register(ctx context.Context, desc domain.WorkerDescriptor) error
	ReportStatus(ctx context.Context, desc domain.WorkerDescriptor) error
	Deregister(ctx context.Context) error
}

// ActiveTask is one in-flight task as exposed on the admin surface.
type ActiveTask struct {
	TaskID    string    `json:"task_id"`
	Queue     string    `json:"queue"`
	StartedAt time.Time `json:"started_at"`
}

// Supervisor owns the worker lifecycle: it pulls deliveries from the
// source, bounds in-flight execution, publishes results, acknowledges
// terminal outcomes and drains on shutdown.
type Supervisor struct {
	workerID      string
	tier          domain.Tier
	queues        []string
	maxConcurrent int
	drainDeadline time.Duration

	source    TaskSource
	executor  domain.TaskExecutor
	acker     domain.Acker
	publisher domain.ResultPublisher
	registry  WorkerRegistry
	log       *slog.Logger

	status atomic.Value // domain.WorkerStatus

	processed atomic.Int64
	failed    atomic.Int64

	mu     sync.Mutex
	active map[string]ActiveTask
}

// NewSupervisor wires a Supervisor from its collaborators.
func NewSupervisor(
	cfg config.Config,
	source TaskSource,
	executor domain.TaskExecutor,
	acker domain.Acker,
	publisher domain.ResultPublisher,
	registry WorkerRegistry,
	log *slog.Logger,
) *Supervisor {
	s := &Supervisor{
		workerID:      cfg.WorkerID,
		tier:          cfg.Tier(),
		queues:        cfg.Tier().Queues(),
		maxConcurrent: cfg.MaxConcurrentTasks,
		drainDeadline: cfg.DrainDeadline(),
		source:        source,
		executor:      executor,
		acker:         acker,
		publisher:     publisher,
		registry:      registry,
		log:           log,
		active:        make(map[string]ActiveTask),
	}
	s.status.Store(domain.WorkerStarting)
	return s
}

// Status returns the current lifecycle state.
func (s *Supervisor) Status() domain.WorkerStatus {
	return s.status.Load().(domain.WorkerStatus)
}

// Descriptor builds a point-in-time worker snapshot.
func (s *Supervisor) Descriptor() domain.WorkerDescriptor {
	s.mu.Lock()
	inFlight := len(s.active)
	s.mu.Unlock()
	return domain.WorkerDescriptor{
		WorkerID:         s.workerID,
		Tier:             s.tier,
		SubscribedQueues: s.queues,
		MaxConcurrent:    s.maxConcurrent,
		Status:           s.Status(),
		InFlightCount:    inFlight,
		ProcessedTotal:   s.processed.Load(),
		FailedTotal:      s.failed.Load(),
	}
}

// ActiveTasks snapshots the in-flight set.
func (s *Supervisor) ActiveTasks() []ActiveTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActiveTask, 0, len(s.active))
	for _, t := range s.active {
		out = append(out, t)
	}
	return out
}

// Run drives the worker until ctx is cancelled or the source dies, then
// drains. It returns ErrDrainTimeout when in-flight tasks had to be
// cancelled, the source's error when the source failed while ctx was still
// live, and nil on a clean drain.
func (s *Supervisor) Run(ctx context.Context) error {
	// Tasks and post-drain broker calls outlive ctx; they stop only at the
	// drain deadline.
	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()
	taskCtx = obsctx.ContextWithLogger(taskCtx, s.log)

	if err := s.registry.Register(ctx, s.Descriptor()); err != nil {
		s.log.Warn("worker registration failed", slog.Any("error", err))
	}

	sourceDone := make(chan error, 1)
	go func() { sourceDone <- s.source.Run(ctx) }()
	go s.heartbeat(taskCtx)

	s.setStatus(domain.WorkerRunning)
	s.log.Info("worker running",
		slog.String("tier", string(s.tier)),
		slog.Any("queues", s.queues),
		slog.Int("max_concurrent", s.maxConcurrent))

	slots := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup

receive:
	for {
		select {
		case <-ctx.Done():
			break receive
		case d, ok := <-s.source.Deliveries():
			if !ok {
				break receive
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				// Slot never opened; the unstarted delivery stays in the
				// broker's pending list for redelivery.
				break receive
			}
			wg.Add(1)
			go func(d domain.Delivery) {
				defer wg.Done()
				defer func() { <-slots }()
				s.handle(taskCtx, d)
			}(d)
		}
	}

	s.setStatus(domain.WorkerDraining)
	s.reportStatus(taskCtx)
	s.log.Info("draining", slog.Int("in_flight", s.Descriptor().InFlightCount))

	drained := make(chan struct{})
	go func() { wg.Wait(); close(drained) }()

	var drainErr error
	select {
	case <-drained:
	case <-time.After(s.drainDeadline):
		s.log.Error("drain deadline exceeded, cancelling tasks",
			slog.Int("in_flight", s.Descriptor().InFlightCount))
		cancelTasks()
		<-drained
		drainErr = ErrDrainTimeout
	}

	// A source error with ctx still live means the consumer died, not that
	// shutdown was requested; it must surface as a runtime failure.
	srcErr := <-sourceDone
	if srcErr != nil && errors.Is(srcErr, context.Canceled) {
		srcErr = nil
	}
	if drainErr == nil && srcErr != nil {
		drainErr = fmt.Errorf("op=supervisor.Run: source failed: %w", srcErr)
		s.log.Error("task source failed", slog.Any("error", srcErr))
	}

	s.setStatus(domain.WorkerStopped)
	cleanupCtx, cancel := context.WithTimeout(context.Background(), brokerOpTimeout)
	defer cancel()
	if err := s.registry.ReportStatus(cleanupCtx, s.Descriptor()); err != nil {
		s.log.Warn("final status report failed", slog.Any("error", err))
	}
	if err := s.registry.Deregister(cleanupCtx); err != nil {
		s.log.Warn("deregistration failed", slog.Any("error", err))
	}
	s.log.Info("worker stopped",
		slog.Int64("processed", s.processed.Load()),
		slog.Int64("failed", s.failed.Load()))
	return drainErr
}

// handle runs one delivery end to end: decode, execute, publish, ack.
func (s *Supervisor) handle(ctx context.Context, d domain.Delivery) {
	observability.TasksInFlight.Inc()
	defer observability.TasksInFlight.Dec()

	s.trackStart(d)
	defer s.trackEnd(d)

	ctx = obsctx.ContextWithTaskID(ctx, d.TaskID)

	var result domain.TaskResult
	var task domain.Task
	if err := json.Unmarshal(d.Body, &task); err != nil {
		now := time.Now().UTC()
		result = domain.TaskResult{
			TaskID:      d.TaskID,
			Success:     false,
			ErrorKind:   domain.ErrKindInvalidTask,
			ErrorDetail: "malformed task body: " + err.Error(),
			StartedAt:   now,
			FinishedAt:  now,
			WorkerID:    s.workerID,
		}
		observability.TasksFailedTotal.WithLabelValues(string(domain.ErrKindInvalidTask)).Inc()
	} else {
		if task.TaskID == "" {
			task.TaskID = d.TaskID
		}
		if task.Attempt == 0 {
			task.Attempt = d.Attempt
		}
		result = s.executor.Execute(ctx, task)
	}

	s.processed.Add(1)
	if !result.Success {
		s.failed.Add(1)
	}

	// Publishing and acking must survive task cancellation at the drain
	// deadline, so they run on their own short-lived context.
	opCtx, cancel := context.WithTimeout(context.Background(), brokerOpTimeout)
	defer cancel()

	if err := s.publisher.PublishResult(opCtx, result); err != nil {
		s.log.Error("result publish failed",
			slog.String("task_id", result.TaskID), slog.Any("error", err))
	}
	if result.Terminal() {
		if err := s.acker.Ack(opCtx, d); err != nil {
			s.log.Error("ack failed",
				slog.String("task_id", result.TaskID),
				slog.String("queue", d.Queue), slog.Any("error", err))
		}
	}
}

func (s *Supervisor) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reportStatus(ctx)
		}
	}
}

func (s *Supervisor) reportStatus(ctx context.Context) {
	if err := s.registry.ReportStatus(ctx, s.Descriptor()); err != nil {
		s.log.Warn("status report failed", slog.Any("error", err))
	}
}

func (s *Supervisor) setStatus(st domain.WorkerStatus) {
	s.status.Store(st)
}

func (s *Supervisor) trackStart(d domain.Delivery) {
	s.mu.Lock()
	s.active[d.MessageID] = ActiveTask{TaskID: d.TaskID, Queue: d.Queue, StartedAt: time.Now().UTC()}
	s.mu.Unlock()
}

func (s *Supervisor) trackEnd(d domain.Delivery) {
	s.mu.Lock()
	delete(s.active, d.MessageID)
	s.mu.Unlock()
}
