package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/fatlink"
	"github.com/JakeFAU/browser-fetch-engine/internal/hash/sha256"
	pubmemory "github.com/JakeFAU/browser-fetch-engine/internal/publisher/memory"
	"github.com/JakeFAU/browser-fetch-engine/internal/store"
	"github.com/JakeFAU/browser-fetch-engine/internal/store/memory"
	"github.com/JakeFAU/browser-fetch-engine/internal/taskcache"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("task-%d", s.n.Add(1)), nil
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

type recordingCanceler struct {
	mu       sync.Mutex
	canceled []string
}

func (c *recordingCanceler) Cancel(task *crawler.FetchTask) {
	task.Cancel()
	c.mu.Lock()
	c.canceled = append(c.canceled, task.ID)
	c.mu.Unlock()
}

func (c *recordingCanceler) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.canceled...)
}

type fixture struct {
	svc      *Service
	tiers    *taskcache.Tiers[*crawler.FetchTask]
	realtime *taskcache.Cache[*crawler.FetchTask]
	normal   *taskcache.Cache[*crawler.FetchTask]
	statuses *memory.StatusStore
	canceler *recordingCanceler
	links    *fatlink.Registry
}

func newFixture(t *testing.T, cfg Config, capacity int) *fixture {
	t.Helper()

	tiers := taskcache.NewTiers[*crawler.FetchTask]()
	realtime := taskcache.New[*crawler.FetchTask]("realtime", 0, taskcache.WithCapacity(capacity))
	normal := taskcache.New[*crawler.FetchTask]("normal", 5, taskcache.WithCapacity(capacity))
	require.NoError(t, tiers.Register(normal))
	require.NoError(t, tiers.Register(realtime))

	if cfg.SubmitCache == "" {
		cfg.SubmitCache = "normal"
	}
	f := &fixture{
		tiers:    tiers,
		realtime: realtime,
		normal:   normal,
		statuses: memory.NewStatusStore(),
		canceler: &recordingCanceler{},
		links:    fatlink.NewRegistry(nil, nil, zap.NewNop()),
	}
	svc, err := NewService(tiers, f.canceler, f.statuses, &seqIDs{}, cfg, zap.NewNop(), WithLinkRegistry(f.links))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestSubmitQueuesOnSubmitTier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)
	id, err := f.svc.Submit(context.Background(), Request{URL: "https://a.example/", Href: "https://a.example/print"})
	require.NoError(t, err)
	require.Equal(t, "task-1", id)
	require.Equal(t, 1, f.normal.Size())
	require.Zero(t, f.realtime.Size())

	st, err := f.svc.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StateQueued, st.State)
	require.Equal(t, 1, f.svc.InFlight())

	task := f.normal.Drain(1)[0]
	require.Equal(t, "https://a.example/print", task.Location())
	require.Equal(t, 5, task.Priority)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)
	for _, req := range []Request{
		{},
		{URL: "ftp://a.example/"},
		{URL: "https://"},
		{URL: "https://a.example/", Href: "nope"},
		{URL: "https://a.example/", Tails: []string{"mailto:x@y"}},
	} {
		_, err := f.svc.Submit(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidRequest, "request %+v", req)
	}
	require.Zero(t, f.normal.Size())
}

func TestSubmitWhenCacheFull(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 1)
	_, err := f.svc.Submit(context.Background(), Request{URL: "https://a.example/1"})
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), Request{URL: "https://a.example/2"})
	require.ErrorIs(t, err, ErrCacheFull)
	require.Equal(t, 1, f.normal.Size())

	st, err := f.svc.Status(context.Background(), "task-2")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCodeFailed, st.State)
	require.Equal(t, 1, f.svc.InFlight())
}

func TestSubmitWithTailsRegistersFatLink(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)
	seed := "https://a.example/list"
	_, err := f.svc.Submit(context.Background(), Request{
		URL:   seed,
		Tails: []string{"https://a.example/item/1", "https://a.example/item/2"},
	})
	require.NoError(t, err)

	link, ok := f.links.Lookup(seed)
	require.True(t, ok)
	require.Equal(t, 2, link.Size())

	tasks := f.normal.Drain(10)
	require.Len(t, tasks, 3)
	require.Empty(t, tasks[0].Referrer)
	require.Equal(t, seed, tasks[1].Referrer)
	require.Equal(t, seed, tasks[2].Referrer)

	_, err = f.svc.Submit(context.Background(), Request{URL: seed, Tails: []string{"https://a.example/item/3"}})
	require.Error(t, err)
}

func TestSubmitResourceFlagMarksSeedOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)
	_, err := f.svc.Submit(context.Background(), Request{
		URL:      "https://a.example/feed.json",
		Tails:    []string{"https://a.example/item/1"},
		Resource: true,
	})
	require.NoError(t, err)

	tasks := f.normal.Drain(10)
	require.Len(t, tasks, 2)
	require.True(t, tasks[0].Page.IsResource)
	require.False(t, tasks[1].Page.IsResource)
}

func TestSubmitDropsFatLinkWhenTailCannotQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 2)
	seed := "https://a.example/list"
	_, err := f.svc.Submit(context.Background(), Request{
		URL:   seed,
		Tails: []string{"https://a.example/item/1", "https://a.example/item/2"},
	})
	require.ErrorIs(t, err, ErrCacheFull)

	_, ok := f.links.Lookup(seed)
	require.False(t, ok)
	require.Zero(t, f.links.Len())
	require.Equal(t, 2, f.normal.Size())
}

func TestStatusUnknownIDIsNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)
	st, err := f.svc.Status(context.Background(), "missing")
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCodeNotFound, st.State)
	require.Equal(t, "missing", st.ID)
}

func TestHandleResultStoresOutcome(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)
	id, err := f.svc.Submit(context.Background(), Request{URL: "https://a.example/"})
	require.NoError(t, err)

	task := f.normal.Drain(1)[0]
	task.Page.Content = []byte("<html>ok</html>")
	task.Page.ContentType = "text/html"
	result := crawler.NewFetchResult(task, crawler.StatusSuccess(), nil)
	require.True(t, task.Complete(result))
	require.NoError(t, f.svc.HandleResult(context.Background(), result))

	st, err := f.svc.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCodeSuccess, st.State)
	require.Equal(t, 15, st.ContentLength)
	require.Zero(t, f.svc.InFlight())
}

func TestExecuteAndWaitUsesHighestTier(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{ExecuteTimeout: 5 * time.Second}, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		task, err := f.tiers.Take(ctx)
		if err != nil {
			return
		}
		result := crawler.NewFetchResult(task, crawler.StatusSuccess(), nil)
		if task.Complete(result) {
			_ = f.svc.HandleResult(ctx, result)
		}
	}()

	result, err := f.svc.ExecuteAndWait(ctx, Request{URL: "https://a.example/"})
	require.NoError(t, err)
	require.True(t, result.IsSuccess())
	require.Equal(t, 0, result.Task.Priority)
	require.Empty(t, f.canceler.ids())
}

func TestExecuteAndWaitCancelsAfterTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{ExecuteTimeout: 20 * time.Millisecond}, 10)
	result, err := f.svc.ExecuteAndWait(context.Background(), Request{URL: "https://a.example/"})
	require.NoError(t, err)
	require.True(t, result.IsCanceled())
	require.True(t, result.Task.IsCanceled())
	require.Equal(t, []string{result.Task.ID}, f.canceler.ids())

	st, err := f.svc.Status(context.Background(), result.Task.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCodeCanceled, st.State)
	require.Zero(t, f.svc.InFlight())

	late := crawler.NewFetchResult(result.Task, crawler.StatusSuccess(), nil)
	require.False(t, result.Task.Complete(late))
}

func TestExecuteAndWaitHonorsCallerDeadline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := f.svc.ExecuteAndWait(ctx, Request{URL: "https://a.example/"})
	require.NoError(t, err)
	require.True(t, result.IsCanceled())

	st, err := f.svc.Status(context.Background(), result.Task.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCodeCanceled, st.State)
}

func TestCancelInFlightTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, 10)
	id, err := f.svc.Submit(context.Background(), Request{URL: "https://a.example/"})
	require.NoError(t, err)

	require.NoError(t, f.svc.Cancel(context.Background(), id))
	require.Equal(t, []string{id}, f.canceler.ids())

	st, err := f.svc.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusCodeCanceled, st.State)

	require.ErrorIs(t, f.svc.Cancel(context.Background(), id), store.ErrNotFound)
	require.ErrorIs(t, f.svc.Cancel(context.Background(), "missing"), store.ErrNotFound)
}

func TestNewServiceValidation(t *testing.T) {
	t.Parallel()

	tiers := taskcache.NewTiers[*crawler.FetchTask]()
	_, err := NewService(tiers, &recordingCanceler{}, memory.NewStatusStore(), &seqIDs{}, Config{SubmitCache: "normal"}, nil)
	require.Error(t, err)

	require.NoError(t, tiers.Register(taskcache.New[*crawler.FetchTask]("realtime", 0)))
	_, err = NewService(tiers, &recordingCanceler{}, memory.NewStatusStore(), &seqIDs{}, Config{SubmitCache: "normal"}, nil)
	require.Error(t, err)

	_, err = NewService(nil, &recordingCanceler{}, memory.NewStatusStore(), &seqIDs{}, Config{}, nil)
	require.Error(t, err)

	svc, err := NewService(tiers, &recordingCanceler{}, memory.NewStatusStore(), failingIDs{}, Config{SubmitCache: "realtime"}, nil)
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), Request{URL: "https://a.example/"})
	require.ErrorContains(t, err, "entropy exhausted")
}

func TestResultPublisherPublishesEvent(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	handler := NewResultPublisher(pub, nil, zap.NewNop())

	task := crawler.NewFetchTask("task-1", "https://a.example/", 5)
	task.Page.FetchCount = 2
	result := crawler.NewFetchResult(task, crawler.Retry(crawler.RetryScopePrivacy), nil)
	require.NoError(t, handler.HandleResult(context.Background(), result))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, EventFetchResult, msgs[0].Event)
	event, ok := msgs[0].Payload.(ResultEvent)
	require.True(t, ok)
	require.Equal(t, crawler.StatusCodeRetry, event.Status)
	require.Equal(t, crawler.RetryScopePrivacy, event.Scope)
	require.Equal(t, 2, event.FetchCount)
}

func TestResultPublisherHashesSuccessfulContent(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	handler := NewResultPublisher(pub, sha256.New(), zap.NewNop())

	task := crawler.NewFetchTask("task-1", "https://a.example/", 5)
	task.Page.Content = []byte("hello world")
	require.NoError(t, handler.HandleResult(context.Background(), crawler.NewFetchResult(task, crawler.StatusSuccess(), nil)))

	failed := crawler.NewFetchTask("task-2", "https://a.example/", 5)
	failed.Page.Content = []byte("partial")
	require.NoError(t, handler.HandleResult(context.Background(), crawler.NewFetchResult(failed, crawler.Failed(nil), nil)))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	first := msgs[0].Payload.(ResultEvent)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", first.ContentHash)
	require.Equal(t, 11, first.ContentLength)
	require.Empty(t, msgs[1].Payload.(ResultEvent).ContentHash)
}

func TestLinkEventsPublishOnFinishAndAbort(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	registry := fatlink.NewRegistry(nil, NewLinkEvents(pub, zap.NewNop()), zap.NewNop())

	seed := "https://a.example/list"
	_, err := registry.Create(seed, []string{"https://a.example/item/1"})
	require.NoError(t, err)

	tail := crawler.NewFetchTask("t1", "https://a.example/item/1", 5)
	tail.Referrer = seed
	require.True(t, registry.FinishTask(context.Background(), crawler.NewFetchResult(tail, crawler.StatusSuccess(), nil)))

	_, err = registry.Create("https://b.example/list", []string{"https://b.example/item/1"})
	require.NoError(t, err)
	require.Len(t, registry.AbortIdle(context.Background(), -time.Second), 1)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, EventFatLinkFinished, msgs[0].Event)
	finished, ok := msgs[0].Payload.(FatLinkEvent)
	require.True(t, ok)
	require.Equal(t, 1, finished.FinishedCount)
	require.Equal(t, fatlink.StatusOK, finished.Status)
	require.Equal(t, EventFatLinkAborted, msgs[1].Event)
	aborted, ok := msgs[1].Payload.(FatLinkEvent)
	require.True(t, ok)
	require.True(t, aborted.Aborted)
}
