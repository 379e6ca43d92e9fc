package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/stablehorde-proxy/internal/job"
	"github.com/cuongbtq/stablehorde-proxy/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tracker records how many tasks advance at the same time
type tracker struct {
	active    atomic.Int32
	maxActive atomic.Int32
}

func (tr *tracker) enter() {
	n := tr.active.Add(1)
	for {
		cur := tr.maxActive.Load()
		if n <= cur || tr.maxActive.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (tr *tracker) exit() {
	tr.active.Add(-1)
}

type fakeTask struct {
	id       string
	tracker  *tracker
	delay    time.Duration
	finishAt int32
	panics   bool
	block    chan struct{}

	mu         sync.Mutex
	status     job.Status
	failReason string

	calls      atomic.Int32
	concurrent atomic.Int32
	overlapped atomic.Bool
}

func newFakeTask(id string, tr *tracker) *fakeTask {
	return &fakeTask{id: id, tracker: tr, status: job.StatusRunning}
}

func (f *fakeTask) ID() string { return f.id }

func (f *fakeTask) Advance(ctx context.Context) {
	if f.concurrent.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	defer f.concurrent.Add(-1)

	if f.tracker != nil {
		f.tracker.enter()
		defer f.tracker.exit()
	}

	n := f.calls.Add(1)
	if f.panics {
		panic("boom")
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.finishAt > 0 && n >= f.finishAt {
		f.mu.Lock()
		f.status = job.StatusFinished
		f.mu.Unlock()
	}
}

func (f *fakeTask) Status() job.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTask) Fail(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == job.StatusRunning {
		f.status = job.StatusError
		f.failReason = reason
	}
}

func (f *fakeTask) Summary() job.Summary {
	return job.Summary{ID: f.id, Status: f.Status()}
}

type endedObserver struct {
	job.NopObserver
	mu    sync.Mutex
	ended []job.Summary
}

func (o *endedObserver) JobEnded(_ context.Context, s job.Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, s)
}

func (o *endedObserver) ids() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.ended))
	for _, s := range o.ended {
		out = append(out, s.ID)
	}
	return out
}

func newTestScheduler(observer job.Observer) *Scheduler {
	return New(&Config{
		Logger:   discardLogger(),
		Interval: 10 * time.Millisecond,
		Observer: observer,
		Metrics:  metrics.New(),
	})
}

func TestScheduler_RoundBoundsConcurrency(t *testing.T) {
	s := newTestScheduler(nil)
	tr := &tracker{}

	tasks := make([]*fakeTask, 0, 12)
	for i := range 12 {
		task := newFakeTask(fmt.Sprintf("job-%d", i), tr)
		task.delay = 20 * time.Millisecond
		tasks = append(tasks, task)
		s.Add(task)
	}

	s.RunRound(context.Background())

	assert.LessOrEqual(t, tr.maxActive.Load(), int32(DefaultConcurrency))
	assert.Greater(t, tr.maxActive.Load(), int32(1))
	for _, task := range tasks {
		assert.Equal(t, int32(1), task.calls.Load(), task.id)
	}
	assert.Equal(t, 12, s.Len(), "running tasks are re-inserted")
}

func TestScheduler_OverlappingRoundsNeverShareATask(t *testing.T) {
	s := newTestScheduler(nil)
	tr := &tracker{}

	tasks := make([]*fakeTask, 0, 8)
	for i := range 8 {
		task := newFakeTask(fmt.Sprintf("job-%d", i), tr)
		task.delay = 15 * time.Millisecond
		tasks = append(tasks, task)
		s.Add(task)
	}

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunRound(context.Background())
		}()
	}
	wg.Wait()

	for _, task := range tasks {
		assert.False(t, task.overlapped.Load(), "%s advanced concurrently", task.id)
		assert.LessOrEqual(t, task.calls.Load(), int32(3))
		assert.GreaterOrEqual(t, task.calls.Load(), int32(1))
	}
	assert.Equal(t, 8, s.Len())
}

func TestScheduler_DropsTerminalTasks(t *testing.T) {
	observer := &endedObserver{}
	s := newTestScheduler(observer)

	finishing := newFakeTask("finishing", nil)
	finishing.finishAt = 1
	already := newFakeTask("already", nil)
	already.status = job.StatusCancelled
	running := newFakeTask("running", nil)

	s.Add(finishing)
	s.Add(already)
	s.Add(running)

	s.RunRound(context.Background())

	assert.Equal(t, int32(1), finishing.calls.Load())
	assert.Equal(t, int32(0), already.calls.Load(), "terminal tasks are not advanced")
	assert.Equal(t, 1, s.Len())
	assert.ElementsMatch(t, []string{"finishing", "already"}, observer.ids())

	summaries := s.Summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, "running", summaries[0].ID)
}

func TestScheduler_PanicMarksTaskFailed(t *testing.T) {
	observer := &endedObserver{}
	s := newTestScheduler(observer)

	bad := newFakeTask("bad", nil)
	bad.panics = true
	good := newFakeTask("good", nil)
	s.Add(bad)
	s.Add(good)

	assert.NotPanics(t, func() {
		s.RunRound(context.Background())
	})

	assert.Equal(t, job.StatusError, bad.Status())
	assert.Equal(t, "internal error", bad.failReason)
	assert.Equal(t, []string{"bad"}, observer.ids())
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, int32(1), good.calls.Load())
}

func TestScheduler_AdvanceDeadline(t *testing.T) {
	s := New(&Config{
		Logger:         discardLogger(),
		AdvanceTimeout: 30 * time.Millisecond,
	})

	hung := newFakeTask("hung", nil)
	hung.block = make(chan struct{})
	s.Add(hung)

	done := make(chan struct{})
	go func() {
		s.RunRound(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("round did not return after the advance deadline")
	}
	assert.Equal(t, 1, s.Len())
}

func TestScheduler_StartStop(t *testing.T) {
	observer := &endedObserver{}
	s := newTestScheduler(observer)

	task := newFakeTask("job", nil)
	task.finishAt = 3
	s.Add(task)

	s.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(observer.ids()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()

	assert.Equal(t, int32(3), task.calls.Load())
	assert.Equal(t, 0, s.Count())
}

func TestScheduler_BoundsInFlightRounds(t *testing.T) {
	m := metrics.New()
	s := New(&Config{
		Logger:    discardLogger(),
		Interval:  5 * time.Millisecond,
		MaxRounds: 1,
		Metrics:   m,
	})

	slow := newFakeTask("slow", nil)
	slow.block = make(chan struct{})
	s.Add(slow)

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)

	assert.LessOrEqual(t, len(s.rounds), 1)
	assert.Equal(t, int32(1), slow.calls.Load())
	assert.Greater(t, skippedRounds(t, m), float64(0))

	close(slow.block)
	s.Stop()
}

func skippedRounds(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != "horde_proxy_scheduler_rounds_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "result" && label.GetValue() == "skipped" {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
