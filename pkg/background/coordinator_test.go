package background

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestCoordinator(t *testing.T, delay time.Duration) *Coordinator {
	t.Helper()
	c := NewCoordinator(Config{
		RemovalDelay: delay,
		Logger:       zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
	})
	t.Cleanup(c.Close)
	return c
}

type snapshotRecorder struct {
	mu        sync.Mutex
	snapshots [][]Task
}

func (r *snapshotRecorder) listen(tasks []Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, tasks)
}

func (r *snapshotRecorder) all() [][]Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]Task(nil), r.snapshots...)
}

func TestNewCoordinator_DefaultDelay(t *testing.T) {
	c := NewCoordinator(Config{Logger: zerolog.Nop()})
	assert.Equal(t, DefaultRemovalDelay, c.removalDelay)
}

func TestCoordinator_AddAndRemove(t *testing.T) {
	c := setupTestCoordinator(t, time.Second)

	id, err := c.Add(Task{TaskID: "t1", SessionID: "s1", IsRunning: true, Prompt: "build"})
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	task, ok := c.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "s1", task.SessionID)
	assert.False(t, task.StartedAt.IsZero())

	assert.True(t, c.Remove("t1"))
	_, ok = c.Get("t1")
	assert.False(t, ok)

	assert.False(t, c.Remove("t1"))
}

func TestCoordinator_AddGeneratesID(t *testing.T) {
	c := setupTestCoordinator(t, time.Second)

	id, err := c.Add(Task{SessionID: "s1", IsRunning: true})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, ok := c.Get(id)
	assert.True(t, ok)
}

func TestCoordinator_AddOverwrites(t *testing.T) {
	c := setupTestCoordinator(t, time.Second)

	_, err := c.Add(Task{TaskID: "t1", SessionID: "s1", Prompt: "first"})
	require.NoError(t, err)
	_, err = c.Add(Task{TaskID: "t1", SessionID: "s2", Prompt: "second"})
	require.NoError(t, err)

	tasks := c.List()
	require.Len(t, tasks, 1)
	assert.Equal(t, "second", tasks[0].Prompt)
}

func TestCoordinator_SubscribeImmediateSnapshot(t *testing.T) {
	c := setupTestCoordinator(t, time.Second)

	_, err := c.Add(Task{TaskID: "t1", SessionID: "s1", IsRunning: true})
	require.NoError(t, err)

	rec := &snapshotRecorder{}
	unsubscribe := c.Subscribe(rec.listen)
	defer unsubscribe()

	snapshots := rec.all()
	require.Len(t, snapshots, 1)
	require.Len(t, snapshots[0], 1)
	assert.Equal(t, "t1", snapshots[0][0].TaskID)
}

func TestCoordinator_NotificationOrder(t *testing.T) {
	c := setupTestCoordinator(t, time.Hour)

	rec := &snapshotRecorder{}
	unsubscribe := c.Subscribe(rec.listen)

	_, err := c.Add(Task{TaskID: "t1", IsRunning: true})
	require.NoError(t, err)
	_, err = c.Add(Task{TaskID: "t2", IsRunning: true})
	require.NoError(t, err)
	c.UpdateStatus("t1", false)
	c.Remove("t2")

	snapshots := rec.all()
	require.Len(t, snapshots, 5)
	assert.Len(t, snapshots[0], 0)
	assert.Len(t, snapshots[1], 1)
	assert.Len(t, snapshots[2], 2)
	assert.False(t, snapshots[3][0].IsRunning)
	require.Len(t, snapshots[4], 1)
	assert.Equal(t, "t1", snapshots[4][0].TaskID)

	unsubscribe()
	unsubscribe()
	c.Remove("t1")
	assert.Len(t, rec.all(), 5)
}

func TestCoordinator_ConcurrentMutationsKeepOrder(t *testing.T) {
	c := setupTestCoordinator(t, time.Hour)

	rec := &snapshotRecorder{}
	defer c.Subscribe(rec.listen)()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = c.Add(Task{IsRunning: true})
		}(i)
	}
	wg.Wait()

	snapshots := rec.all()
	require.Len(t, snapshots, 21)
	for i, snap := range snapshots {
		assert.Len(t, snap, i)
	}
}

func TestCoordinator_DebouncedRemoval(t *testing.T) {
	c := setupTestCoordinator(t, 50*time.Millisecond)

	_, err := c.Add(Task{TaskID: "t1", IsRunning: true})
	require.NoError(t, err)

	assert.True(t, c.UpdateStatus("t1", false))
	task, ok := c.Get("t1")
	require.True(t, ok)
	assert.False(t, task.IsRunning)

	assert.Eventually(t, func() bool {
		_, ok := c.Get("t1")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinator_RunningAgainCancelsRemoval(t *testing.T) {
	c := setupTestCoordinator(t, 50*time.Millisecond)

	_, err := c.Add(Task{TaskID: "t1", IsRunning: true})
	require.NoError(t, err)

	c.UpdateStatus("t1", false)
	c.UpdateStatus("t1", true)

	time.Sleep(150 * time.Millisecond)
	task, ok := c.Get("t1")
	require.True(t, ok)
	assert.True(t, task.IsRunning)
}

func TestCoordinator_ReAddCancelsRemoval(t *testing.T) {
	c := setupTestCoordinator(t, 50*time.Millisecond)

	_, err := c.Add(Task{TaskID: "t1", IsRunning: true})
	require.NoError(t, err)
	c.UpdateStatus("t1", false)

	_, err = c.Add(Task{TaskID: "t1", IsRunning: true})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	_, ok := c.Get("t1")
	assert.True(t, ok)
}

func TestCoordinator_UpdateUnknown(t *testing.T) {
	c := setupTestCoordinator(t, time.Second)
	assert.False(t, c.UpdateStatus("missing", false))
}

func TestCoordinator_Stop(t *testing.T) {
	c := setupTestCoordinator(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := c.Add(Task{TaskID: "t1", IsRunning: true, Cancel: cancel})
	require.NoError(t, err)

	assert.True(t, c.Stop("t1"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	_, ok := c.Get("t1")
	assert.False(t, ok)

	assert.False(t, c.Stop("t1"))
}

func TestCoordinator_Clear(t *testing.T) {
	c := setupTestCoordinator(t, time.Hour)

	var cancelled sync.WaitGroup
	for _, id := range []string{"t1", "t2", "t3"} {
		cancelled.Add(1)
		var once sync.Once
		_, err := c.Add(Task{TaskID: id, IsRunning: true, Cancel: func() { once.Do(cancelled.Done) }})
		require.NoError(t, err)
	}
	c.UpdateStatus("t3", false)

	rec := &snapshotRecorder{}
	defer c.Subscribe(rec.listen)()

	assert.Equal(t, 3, c.Clear())
	cancelled.Wait()

	snapshots := rec.all()
	require.Len(t, snapshots, 2)
	assert.Empty(t, snapshots[1])
	assert.Equal(t, 0, c.Stats().PendingRemoval)
}

func TestCoordinator_ListSorted(t *testing.T) {
	c := setupTestCoordinator(t, time.Hour)
	base := time.Now()

	_, _ = c.Add(Task{TaskID: "late", StartedAt: base.Add(2 * time.Second)})
	_, _ = c.Add(Task{TaskID: "b", StartedAt: base})
	_, _ = c.Add(Task{TaskID: "a", StartedAt: base})

	tasks := c.List()
	require.Len(t, tasks, 3)
	assert.Equal(t, "a", tasks[0].TaskID)
	assert.Equal(t, "b", tasks[1].TaskID)
	assert.Equal(t, "late", tasks[2].TaskID)
}

func TestCoordinator_SnapshotsHideCancel(t *testing.T) {
	c := setupTestCoordinator(t, time.Hour)
	_, err := c.Add(Task{TaskID: "t1", Cancel: func() {}})
	require.NoError(t, err)

	task, _ := c.Get("t1")
	assert.Nil(t, task.Cancel)
	assert.Nil(t, c.List()[0].Cancel)
}

func TestCoordinator_Stats(t *testing.T) {
	c := setupTestCoordinator(t, time.Hour)
	_, _ = c.Add(Task{TaskID: "t1", IsRunning: true})
	_, _ = c.Add(Task{TaskID: "t2", IsRunning: true})
	c.UpdateStatus("t2", false)
	defer c.Subscribe(func([]Task) {})()

	stats := c.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Finished)
	assert.Equal(t, 1, stats.PendingRemoval)
	assert.Equal(t, 1, stats.Subscribers)
}

func TestCoordinator_ListenerPanicIsContained(t *testing.T) {
	c := setupTestCoordinator(t, time.Hour)

	rec := &snapshotRecorder{}
	defer c.Subscribe(func([]Task) { panic("boom") })()
	defer c.Subscribe(rec.listen)()

	assert.NotPanics(t, func() {
		_, _ = c.Add(Task{TaskID: "t1"})
	})
	assert.Len(t, rec.all(), 2)
}

func TestCoordinator_Claim(t *testing.T) {
	t.Run("should refuse an id owned by a running task", func(t *testing.T) {
		c := setupTestCoordinator(t, time.Second)

		lease, err := c.Claim(Task{TaskID: "t1", SessionID: "s1"})
		require.NoError(t, err)
		assert.Equal(t, "t1", lease.TaskID())

		_, err = c.Claim(Task{TaskID: "t1", SessionID: "s2"})
		assert.ErrorIs(t, err, ErrTaskRunning)

		task, ok := c.Get("t1")
		require.True(t, ok)
		assert.True(t, task.IsRunning)
		assert.Equal(t, "s1", task.SessionID)
	})

	t.Run("should generate an id", func(t *testing.T) {
		c := setupTestCoordinator(t, time.Second)

		lease, err := c.Claim(Task{SessionID: "s1"})
		require.NoError(t, err)
		assert.NotEmpty(t, lease.TaskID())
	})

	t.Run("should take over a finished task id", func(t *testing.T) {
		c := setupTestCoordinator(t, time.Second)

		first, err := c.Claim(Task{TaskID: "t1", SessionID: "s1"})
		require.NoError(t, err)
		require.True(t, first.Finish())

		second, err := c.Claim(Task{TaskID: "t1", SessionID: "s2"})
		require.NoError(t, err)

		assert.False(t, first.Finish())
		assert.False(t, first.Release())

		task, ok := c.Get("t1")
		require.True(t, ok)
		assert.True(t, task.IsRunning)
		assert.Equal(t, "s2", task.SessionID)

		assert.True(t, second.Finish())
	})

	t.Run("should not resurrect a stopped task", func(t *testing.T) {
		c := setupTestCoordinator(t, 20*time.Millisecond)

		lease, err := c.Claim(Task{TaskID: "t1"})
		require.NoError(t, err)
		require.True(t, c.Stop("t1"))

		assert.False(t, lease.Finish())
		_, ok := c.Get("t1")
		assert.False(t, ok)
	})

	t.Run("should ignore a lease whose record was replaced by Add", func(t *testing.T) {
		c := setupTestCoordinator(t, time.Second)

		lease, err := c.Claim(Task{TaskID: "t1", SessionID: "s1"})
		require.NoError(t, err)
		_, err = c.Add(Task{TaskID: "t1", SessionID: "s9", IsRunning: true})
		require.NoError(t, err)

		assert.False(t, lease.Release())
		task, ok := c.Get("t1")
		require.True(t, ok)
		assert.Equal(t, "s9", task.SessionID)
		assert.True(t, task.IsRunning)
	})

	t.Run("should remove the record on release", func(t *testing.T) {
		c := setupTestCoordinator(t, time.Second)
		recorder := &snapshotRecorder{}
		c.Subscribe(recorder.listen)

		lease, err := c.Claim(Task{TaskID: "t1"})
		require.NoError(t, err)
		require.True(t, lease.Release())

		_, ok := c.Get("t1")
		assert.False(t, ok)
		snapshots := recorder.all()
		require.Len(t, snapshots, 3)
		assert.Empty(t, snapshots[2])
	})
}
