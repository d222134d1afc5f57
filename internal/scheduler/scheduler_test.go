package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/growthclub/backend/internal/pkg/lock"
)

func setupScheduler(t *testing.T) (*Scheduler, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	locker := lock.NewLocker(client, zap.NewNop())
	return New(client, locker, zap.NewNop(), Options{}), client
}

func newSibling(t *testing.T, client *redis.Client) *Scheduler {
	t.Helper()
	locker := lock.NewLocker(client, zap.NewNop())
	return New(client, locker, zap.NewNop(), Options{})
}

func TestSchedule_DeduplicatesByOwnerTypeStep(t *testing.T) {
	s, _ := setupScheduler(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	_, err := s.Schedule(ctx, Task{Type: "reminder", OwnerID: 100}, at)
	require.NoError(t, err)

	_, err = s.Schedule(ctx, Task{Type: "reminder", OwnerID: 100}, at.Add(time.Minute))
	assert.ErrorIs(t, err, ErrDuplicateTask)

	// Different step, owner, or type are distinct.
	_, err = s.Schedule(ctx, Task{Type: "reminder", OwnerID: 100, Step: "second"}, at)
	assert.NoError(t, err)
	_, err = s.Schedule(ctx, Task{Type: "reminder", OwnerID: 200}, at)
	assert.NoError(t, err)
	_, err = s.Schedule(ctx, Task{Type: "kick", OwnerID: 100}, at)
	assert.NoError(t, err)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestCancel_RemovesOnlyThatTask(t *testing.T) {
	s, _ := setupScheduler(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	id1, err := s.Schedule(ctx, Task{Type: "reminder", OwnerID: 100}, at)
	require.NoError(t, err)
	_, err = s.Schedule(ctx, Task{Type: "kick", OwnerID: 100}, at)
	require.NoError(t, err)

	ok, err := s.Cancel(ctx, id1)
	require.NoError(t, err)
	assert.True(t, ok)

	// Cancelling again reports not found.
	ok, err = s.Cancel(ctx, id1)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// The freed identity can be scheduled again.
	_, err = s.Schedule(ctx, Task{Type: "reminder", OwnerID: 100}, at)
	assert.NoError(t, err)
}

func TestCancelByOwnerAndType(t *testing.T) {
	s, _ := setupScheduler(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	_, err := s.Schedule(ctx, Task{Type: "reminder", OwnerID: 100}, at)
	require.NoError(t, err)
	_, err = s.Schedule(ctx, Task{Type: "reminder", OwnerID: 100, Step: "second"}, at)
	require.NoError(t, err)
	_, err = s.Schedule(ctx, Task{Type: "kick", OwnerID: 100}, at)
	require.NoError(t, err)
	_, err = s.Schedule(ctx, Task{Type: "reminder", OwnerID: 200}, at)
	require.NoError(t, err)

	n, err := s.CancelByOwnerAndType(ctx, 100, "reminder")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Owner 100 keeps the kick, owner 200 keeps the reminder.
	tasks, err := s.TasksForOwner(ctx, 100)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "kick", tasks[0].Type)

	tasks, err = s.TasksForOwner(ctx, 200)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestCancelAllForOwner(t *testing.T) {
	s, _ := setupScheduler(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	_, err := s.Schedule(ctx, Task{Type: "reminder", OwnerID: 100}, at)
	require.NoError(t, err)
	_, err = s.Schedule(ctx, Task{Type: "kick", OwnerID: 100}, at)
	require.NoError(t, err)
	_, err = s.Schedule(ctx, Task{Type: "reminder", OwnerID: 200}, at)
	require.NoError(t, err)

	n, err := s.CancelAllForOwner(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	total, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestProcessDue_RunsOnlyDueTasks(t *testing.T) {
	s, _ := setupScheduler(t)
	ctx := context.Background()

	var mu sync.Mutex
	var ran []int64
	s.RegisterHandler("reminder", func(ctx context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, task.OwnerID)
		return nil
	})

	now := time.Now()
	_, err := s.Schedule(ctx, Task{Type: "reminder", OwnerID: 1}, now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = s.Schedule(ctx, Task{Type: "reminder", OwnerID: 2}, now.Add(time.Hour))
	require.NoError(t, err)

	s.processDue(ctx)

	mu.Lock()
	assert.Equal(t, []int64{1}, ran)
	mu.Unlock()

	// Due task fully cleaned up, future task untouched.
	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	tasks, err := s.TasksForOwner(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestProcessDue_RunsInExecuteAtOrder(t *testing.T) {
	s, _ := setupScheduler(t)
	ctx := context.Background()

	var mu sync.Mutex
	var ran []int64
	s.RegisterHandler("reminder", func(ctx context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		ran = append(ran, task.OwnerID)
		return nil
	})

	// Insertion order deliberately differs from execution time order.
	now := time.Now()
	_, err := s.Schedule(ctx, Task{Type: "reminder", OwnerID: 2}, now.Add(-2*time.Minute))
	require.NoError(t, err)
	_, err = s.Schedule(ctx, Task{Type: "reminder", OwnerID: 3}, now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = s.Schedule(ctx, Task{Type: "reminder", OwnerID: 1}, now.Add(-3*time.Minute))
	require.NoError(t, err)

	s.processDue(ctx)

	// One poll dispatches earliest ExecuteAt first.
	mu.Lock()
	assert.Equal(t, []int64{1, 2, 3}, ran)
	mu.Unlock()

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestProcessDue_ExactlyOnceAcrossInstances(t *testing.T) {
	s1, client := setupScheduler(t)
	s2 := newSibling(t, client)
	ctx := context.Background()

	var mu sync.Mutex
	runs := 0
	handler := func(ctx context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return nil
	}
	s1.RegisterHandler("reminder", handler)
	s2.RegisterHandler("reminder", handler)

	for i := int64(1); i <= 20; i++ {
		_, err := s1.Schedule(ctx, Task{Type: "reminder", OwnerID: i}, time.Now().Add(-time.Minute))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s1.processDue(ctx)
	}()
	go func() {
		defer wg.Done()
		s2.processDue(ctx)
	}()
	wg.Wait()

	// Both instances polled the same queue; each task ran once.
	mu.Lock()
	assert.Equal(t, 20, runs)
	mu.Unlock()

	n, err := s1.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestProcessDue_FailedHandlerStillCleansUp(t *testing.T) {
	s, client := setupScheduler(t)
	ctx := context.Background()

	s.RegisterHandler("reminder", func(ctx context.Context, task Task) error {
		return errors.New("handler failed")
	})

	_, err := s.Schedule(ctx, Task{Type: "reminder", OwnerID: 1}, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	s.processDue(ctx)

	// No retry: queue, payload, index and in-flight set are all empty.
	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	inflight, err := client.SCard(ctx, inflightKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, inflight)

	payloads, err := client.HLen(ctx, payloadKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, payloads)

	index, err := client.HLen(ctx, indexKey).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, index)
}

func TestProcessDue_UnknownTypeCleansUp(t *testing.T) {
	s, _ := setupScheduler(t)
	ctx := context.Background()

	_, err := s.Schedule(ctx, Task{Type: "unknown", OwnerID: 1}, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	s.processDue(ctx)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestTasksForOwner_ReturnsPayload(t *testing.T) {
	s, _ := setupScheduler(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	_, err := s.Schedule(ctx, Task{
		Type:      "reminder",
		OwnerID:   100,
		TargetRef: -500,
		Step:      "final",
		Payload:   []byte(`{"text":"hello"}`),
	}, at)
	require.NoError(t, err)

	tasks, err := s.TasksForOwner(ctx, 100)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "reminder", tasks[0].Type)
	assert.EqualValues(t, -500, tasks[0].TargetRef)
	assert.Equal(t, "final", tasks[0].Step)
	assert.JSONEq(t, `{"text":"hello"}`, string(tasks[0].Payload))
	assert.Equal(t, at.UnixMilli(), tasks[0].ExecuteAt)
}

func TestStartStop(t *testing.T) {
	s, _ := setupScheduler(t)
	s.opts.PollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	ran := false
	s.RegisterHandler("reminder", func(ctx context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		ran = true
		return nil
	})

	_, err := s.Schedule(ctx, Task{Type: "reminder", OwnerID: 1}, time.Now().Add(-time.Second))
	require.NoError(t, err)

	s.Start(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran
	}, time.Second, 10*time.Millisecond)

	s.Stop()
}
