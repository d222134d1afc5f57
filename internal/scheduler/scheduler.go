package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/growthclub/backend/internal/pkg/lock"
)

const (
	queueKey       = "scheduler:tasks"
	inflightKey    = "scheduler:processing"
	payloadKey     = "scheduler:payloads"
	indexKey       = "scheduler:index"
	taskLockPrefix = "scheduler:task:"
)

// ErrDuplicateTask is returned when an equivalent task is already queued.
var ErrDuplicateTask = errors.New("task already scheduled")

// Task is one delayed unit of work. ExecuteAt is unix milliseconds.
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	OwnerID   int64           `json:"owner_id"`
	TargetRef int64           `json:"target_ref,omitempty"`
	Step      string          `json:"step,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ExecuteAt int64           `json:"execute_at"`
}

// Handler processes one due task. A returned error is logged; the task is
// not re-queued.
type Handler func(ctx context.Context, task Task) error

// Options tune the polling loop.
type Options struct {
	PollInterval time.Duration
	BatchSize    int
	LockTTL      time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	return o
}

// Scheduler is a Redis-backed delayed task queue. Due tasks are found via a
// sorted set scored by execution time; several instances can poll the same
// queue because each task is claimed with a per-task lease plus an atomic
// move out of the queue before its handler runs.
type Scheduler struct {
	client *redis.Client
	locker *lock.Locker
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(client *redis.Client, locker *lock.Locker, logger *zap.Logger, opts Options) *Scheduler {
	return &Scheduler{
		client:   client,
		locker:   locker,
		logger:   logger,
		opts:     opts.withDefaults(),
		now:      time.Now,
		handlers: make(map[string]Handler),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RegisterHandler binds a handler to a task type. Must be called before
// Start.
func (s *Scheduler) RegisterHandler(taskType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[taskType] = h
}

// indexValue is the dedup identity of a task: owner and type, plus the step
// when set.
func indexValue(ownerID int64, taskType, step string) string {
	v := strconv.FormatInt(ownerID, 10) + ":" + taskType
	if step != "" {
		v += ":" + step
	}
	return v
}

// Schedule enqueues a task for execution at executeAt. A task with the same
// owner, type and step already in the queue makes this a duplicate.
func (s *Scheduler) Schedule(ctx context.Context, task Task, executeAt time.Time) (string, error) {
	if task.Type == "" {
		return "", errors.New("task type required")
	}

	want := indexValue(task.OwnerID, task.Type, task.Step)
	index, err := s.client.HGetAll(ctx, indexKey).Result()
	if err != nil {
		return "", fmt.Errorf("scan task index: %w", err)
	}
	for _, v := range index {
		if v == want {
			return "", ErrDuplicateTask
		}
	}

	task.ID = uuid.NewString()
	task.ExecuteAt = executeAt.UnixMilli()
	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, queueKey, redis.Z{Score: float64(task.ExecuteAt), Member: task.ID})
	pipe.HSet(ctx, payloadKey, task.ID, raw)
	pipe.HSet(ctx, indexKey, task.ID, want)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}

	s.logger.Debug("task scheduled",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.Int64("owner_id", task.OwnerID),
		zap.Time("execute_at", executeAt))
	return task.ID, nil
}

// Cancel removes one task by id. Returns true when the task was still
// queued.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (bool, error) {
	pipe := s.client.TxPipeline()
	zrem := pipe.ZRem(ctx, queueKey, taskID)
	pipe.SRem(ctx, inflightKey, taskID)
	pipe.HDel(ctx, payloadKey, taskID)
	pipe.HDel(ctx, indexKey, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	return zrem.Val() > 0, nil
}

// CancelByOwnerAndType removes every queued task matching the owner and any
// of the given types.
func (s *Scheduler) CancelByOwnerAndType(ctx context.Context, ownerID int64, types ...string) (int, error) {
	index, err := s.client.HGetAll(ctx, indexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("scan task index: %w", err)
	}

	ownerPrefix := strconv.FormatInt(ownerID, 10) + ":"
	cancelled := 0
	for id, v := range index {
		rest, ok := strings.CutPrefix(v, ownerPrefix)
		if !ok {
			continue
		}
		taskType, _, _ := strings.Cut(rest, ":")
		match := len(types) == 0
		for _, t := range types {
			if taskType == t {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		ok, err := s.Cancel(ctx, id)
		if err != nil {
			return cancelled, err
		}
		if ok {
			cancelled++
		}
	}
	return cancelled, nil
}

// CancelAllForOwner removes every queued task belonging to the owner.
func (s *Scheduler) CancelAllForOwner(ctx context.Context, ownerID int64) (int, error) {
	return s.CancelByOwnerAndType(ctx, ownerID)
}

// PendingCount returns the number of queued tasks.
func (s *Scheduler) PendingCount(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, queueKey).Result()
}

// TasksForOwner lists queued tasks belonging to the owner.
func (s *Scheduler) TasksForOwner(ctx context.Context, ownerID int64) ([]Task, error) {
	index, err := s.client.HGetAll(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("scan task index: %w", err)
	}

	ownerPrefix := strconv.FormatInt(ownerID, 10) + ":"
	var tasks []Task
	for id, v := range index {
		if !strings.HasPrefix(v, ownerPrefix) {
			continue
		}
		raw, err := s.client.HGet(ctx, payloadKey, id).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("load task %s: %w", id, err)
		}
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			s.logger.Warn("dropping undecodable task", zap.String("task_id", id), zap.Error(err))
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ClearAll wipes the queue. Test helper.
func (s *Scheduler) ClearAll(ctx context.Context) error {
	return s.client.Del(ctx, queueKey, inflightKey, payloadKey, indexKey).Err()
}

// Start launches the polling loop in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.processDue(ctx)
			}
		}
	}()
	s.logger.Info("scheduler started",
		zap.Duration("poll_interval", s.opts.PollInterval),
		zap.Int("batch_size", s.opts.BatchSize))
}

// Stop halts the polling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// processDue claims and runs every task due at this instant, up to the
// batch size.
func (s *Scheduler) processDue(ctx context.Context) {
	nowMs := s.now().UnixMilli()
	ids, err := s.client.ZRangeByScore(ctx, queueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(nowMs, 10),
		Count: int64(s.opts.BatchSize),
	}).Result()
	if err != nil {
		s.logger.Error("failed to poll due tasks", zap.Error(err))
		return
	}
	for _, id := range ids {
		s.runTask(ctx, id)
	}
}

// runTask claims one due task and invokes its handler. The per-task lease
// plus the ZRem check make the claim exclusive across instances; queue
// bookkeeping is cleaned up whether the handler succeeds or fails.
func (s *Scheduler) runTask(ctx context.Context, id string) {
	lease, err := s.locker.Acquire(ctx, taskLockPrefix+id, s.opts.LockTTL)
	if err != nil {
		if !errors.Is(err, lock.ErrNotAcquired) {
			s.logger.Error("failed to lease task", zap.String("task_id", id), zap.Error(err))
		}
		return
	}
	defer func() {
		if _, err := s.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
			s.logger.Warn("failed to release task lease", zap.String("task_id", id), zap.Error(err))
		}
	}()

	pipe := s.client.TxPipeline()
	zrem := pipe.ZRem(ctx, queueKey, id)
	pipe.SAdd(ctx, inflightKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("failed to claim task", zap.String("task_id", id), zap.Error(err))
		return
	}
	if zrem.Val() == 0 {
		// Another instance already moved it.
		s.client.SRem(ctx, inflightKey, id)
		return
	}

	defer s.cleanup(ctx, id)

	raw, err := s.client.HGet(ctx, payloadKey, id).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Error("failed to load task payload", zap.String("task_id", id), zap.Error(err))
		}
		return
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		s.logger.Error("undecodable task payload", zap.String("task_id", id), zap.Error(err))
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[task.Type]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("no handler for task type",
			zap.String("task_id", id),
			zap.String("type", task.Type))
		return
	}

	if err := handler(ctx, task); err != nil {
		s.logger.Error("task handler failed",
			zap.String("task_id", id),
			zap.String("type", task.Type),
			zap.Int64("owner_id", task.OwnerID),
			zap.Error(err))
		return
	}

	s.logger.Debug("task executed",
		zap.String("task_id", id),
		zap.String("type", task.Type),
		zap.Int64("owner_id", task.OwnerID))
}

func (s *Scheduler) cleanup(ctx context.Context, id string) {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, inflightKey, id)
	pipe.HDel(ctx, payloadKey, id)
	pipe.HDel(ctx, indexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to clean up task", zap.String("task_id", id), zap.Error(err))
	}
}
