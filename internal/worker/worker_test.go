package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/clock/fake"
	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/fatlink"
	"github.com/JakeFAU/browser-fetch-engine/internal/taskcache"
)

type fakeRunner struct {
	mu       sync.Mutex
	statuses []crawler.ProtocolStatus
	err      error
	panicMsg string
	calls    int
}

func (r *fakeRunner) Run(_ context.Context, task *crawler.FetchTask) (crawler.FetchResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	if r.err != nil {
		return crawler.CanceledResult(task), r.err
	}
	task.Page.FetchCount++
	status := crawler.StatusSuccess()
	if len(r.statuses) > 0 {
		status = r.statuses[0]
		if len(r.statuses) > 1 {
			r.statuses = r.statuses[1:]
		}
	}
	return crawler.NewFetchResult(task, status, nil), nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingHandler struct {
	mu      sync.Mutex
	results []crawler.FetchResult
}

func (h *recordingHandler) HandleResult(_ context.Context, result crawler.FetchResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, result)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.results)
}

type fakeLinks struct {
	mu       sync.Mutex
	finished []string
	codes    []crawler.StatusCode
}

func (l *fakeLinks) FinishTask(_ context.Context, result crawler.FetchResult) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = append(l.finished, result.Task.URL)
	l.codes = append(l.codes, result.Status.Code)
	return true
}

type failingThrottle struct{}

func (failingThrottle) Wait(context.Context, string) error { return context.Canceled }

func newTiers(t *testing.T) (*taskcache.Tiers[*crawler.FetchTask], *taskcache.Cache[*crawler.FetchTask], *taskcache.Cache[*crawler.FetchTask]) {
	t.Helper()
	tiers := taskcache.NewTiers[*crawler.FetchTask]()
	normal := taskcache.New[*crawler.FetchTask]("normal", 5)
	retry := taskcache.New[*crawler.FetchTask]("retry", 10)
	require.NoError(t, tiers.Register(normal))
	require.NoError(t, tiers.Register(retry))
	return tiers, normal, retry
}

func waitDone(t *testing.T, task *crawler.FetchTask) crawler.FetchResult {
	t.Helper()
	select {
	case <-task.Done():
		return task.Result()
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s never completed", task.ID)
		return crawler.FetchResult{}
	}
}

func TestWorkerRunDeliversResults(t *testing.T) {
	t.Parallel()

	tiers, normal, _ := newTiers(t)
	runner := &fakeRunner{}
	handler := &recordingHandler{}
	w := New(1, tiers, runner, Config{}, zap.NewNop(), WithResultHandlers(handler))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	task := crawler.NewFetchTask("t1", "https://a.example/", 0)
	normal.Offer(task)

	result := waitDone(t, task)
	require.True(t, result.IsSuccess())
	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
}

func TestWorkerStopsWhenApplicationCloses(t *testing.T) {
	t.Parallel()

	tiers, normal, _ := newTiers(t)
	runner := &fakeRunner{err: crawler.ErrApplicationClosed}
	w := New(1, tiers, runner, Config{}, zap.NewNop())

	task := crawler.NewFetchTask("t1", "https://a.example/", 0)
	normal.Offer(task)

	require.NoError(t, w.Run(context.Background()))
	require.True(t, waitDone(t, task).IsCanceled())
}

func TestWorkerRequeuesRetries(t *testing.T) {
	t.Parallel()

	tiers, normal, retry := newTiers(t)
	runner := &fakeRunner{statuses: []crawler.ProtocolStatus{
		crawler.Retry(crawler.RetryScopePrivacy),
		crawler.StatusSuccess(),
	}}
	w := New(1, tiers, runner, Config{MaxAttempts: 3}, zap.NewNop(), WithRetryCache(retry))

	task := crawler.NewFetchTask("t1", "https://a.example/", 0)
	normal.Offer(task)

	ctx := context.Background()
	first, err := tiers.Take(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, first))
	require.Equal(t, 1, retry.Size())

	second, err := tiers.Take(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, second))

	result := waitDone(t, task)
	require.True(t, result.IsSuccess())
	require.Equal(t, 2, runner.callCount())
}

func TestWorkerGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	tiers, _, retry := newTiers(t)
	runner := &fakeRunner{statuses: []crawler.ProtocolStatus{crawler.Retry(crawler.RetryScopeCrawl)}}
	w := New(1, tiers, runner, Config{MaxAttempts: 2}, zap.NewNop(), WithRetryCache(retry))

	task := crawler.NewFetchTask("t1", "https://a.example/", 0)
	ctx := context.Background()
	require.NoError(t, w.Process(ctx, task))
	require.Equal(t, 1, retry.Size())
	retry.Clear()
	require.NoError(t, w.Process(ctx, task))

	result := waitDone(t, task)
	require.True(t, result.IsRetry())
	require.Zero(t, retry.Size())
}

func TestWorkerHandlerFailuresAreIsolated(t *testing.T) {
	t.Parallel()

	tiers, _, _ := newTiers(t)
	last := &recordingHandler{}
	w := New(1, tiers, &fakeRunner{}, Config{}, zap.NewNop(), WithResultHandlers(
		crawler.ResultHandlerFunc(func(context.Context, crawler.FetchResult) error { panic("handler bug") }),
		crawler.ResultHandlerFunc(func(context.Context, crawler.FetchResult) error { return errors.New("store down") }),
		last,
	))

	task := crawler.NewFetchTask("t1", "https://a.example/", 0)
	require.NoError(t, w.Process(context.Background(), task))
	require.Equal(t, 1, last.count())
}

func TestWorkerRoutesTailTasks(t *testing.T) {
	t.Parallel()

	tiers, _, _ := newTiers(t)
	links := &fakeLinks{}
	w := New(1, tiers, &fakeRunner{}, Config{}, zap.NewNop(), WithLinkTracker(links))

	seedTask := crawler.NewFetchTask("seed", "https://a.example/", 0)
	tail := crawler.NewFetchTask("tail", "https://a.example/p/1", 0)
	tail.Referrer = "https://a.example/"

	require.NoError(t, w.Process(context.Background(), seedTask))
	require.NoError(t, w.Process(context.Background(), tail))
	require.Equal(t, []string{"https://a.example/p/1"}, links.finished)
}

func TestWorkerExhaustedRetryFinishesTail(t *testing.T) {
	t.Parallel()

	tiers, _, retry := newTiers(t)
	links := &fakeLinks{}
	runner := &fakeRunner{statuses: []crawler.ProtocolStatus{crawler.Retry(crawler.RetryScopeCrawl)}}
	w := New(1, tiers, runner, Config{MaxAttempts: 1}, zap.NewNop(), WithRetryCache(retry), WithLinkTracker(links))

	tail := crawler.NewFetchTask("tail", "https://a.example/p/1", 0)
	tail.Referrer = "https://a.example/"
	require.NoError(t, w.Process(context.Background(), tail))

	require.Zero(t, retry.Size())
	require.Equal(t, []crawler.StatusCode{crawler.StatusCodeFailed}, links.codes)
	require.True(t, waitDone(t, tail).IsRetry())
}

func TestWorkerCompletesGroupWhenTailRetriesRunOut(t *testing.T) {
	t.Parallel()

	tiers, _, retry := newTiers(t)
	registry := fatlink.NewRegistry(fake.New(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)), nil, zap.NewNop())
	link, err := registry.Create("https://a.example/", []string{"https://a.example/p/1", "https://a.example/p/2"})
	require.NoError(t, err)

	runner := &fakeRunner{statuses: []crawler.ProtocolStatus{
		crawler.StatusSuccess(),
		crawler.Retry(crawler.RetryScopePrivacy),
	}}
	w := New(1, tiers, runner, Config{MaxAttempts: 2}, zap.NewNop(), WithRetryCache(retry), WithLinkTracker(registry))

	ctx := context.Background()
	first := crawler.NewFetchTask("t1", "https://a.example/p/1", 0)
	first.Referrer = link.URL
	second := crawler.NewFetchTask("t2", "https://a.example/p/2", 0)
	second.Referrer = link.URL

	require.NoError(t, w.Process(ctx, first))
	require.NoError(t, w.Process(ctx, second))
	require.Equal(t, 1, retry.Size())
	require.Equal(t, 1, registry.Len())

	again, err := tiers.Take(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, again))

	require.True(t, link.IsFinished())
	require.Zero(t, registry.Len())
	tail, ok := link.Lookup("https://a.example/p/2")
	require.True(t, ok)
	require.Equal(t, fatlink.StatusFailed, tail.Status())
}

func TestWorkerThrottleFailureCancelsTask(t *testing.T) {
	t.Parallel()

	tiers, _, _ := newTiers(t)
	runner := &fakeRunner{}
	w := New(1, tiers, runner, Config{}, zap.NewNop(), WithThrottle(failingThrottle{}))

	task := crawler.NewFetchTask("t1", "https://a.example/", 0)
	require.ErrorIs(t, w.Process(context.Background(), task), context.Canceled)
	require.True(t, waitDone(t, task).IsCanceled())
	require.Zero(t, runner.callCount())
}

func TestWorkerRecoversRunnerPanics(t *testing.T) {
	t.Parallel()

	tiers, _, _ := newTiers(t)
	w := New(1, tiers, &fakeRunner{panicMsg: "emulator bug"}, Config{}, zap.NewNop())

	task := crawler.NewFetchTask("t1", "https://a.example/", 0)
	require.NoError(t, w.Process(context.Background(), task))

	result := waitDone(t, task)
	require.True(t, result.IsRetry())
	var panicErr *crawler.PanicError
	require.ErrorAs(t, result.Err, &panicErr)
}
