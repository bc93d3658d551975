package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/store"
)

type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	getErr error
	setErr error
	closed bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return goredis.NewStringResult("", f.getErr)
	}
	v, ok := f.values[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return goredis.NewStatusResult("", f.setErr)
	}
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Ping(context.Context) *goredis.StatusCmd {
	return goredis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestPutAndGetRoundTrip(t *testing.T) {
	t.Parallel()

	client := newFakeRedis()
	s := NewStatusStoreWithClient(client, "", 0)

	created := time.Unix(1700000000, 0).UTC()
	st := store.TaskStatus{
		ID:            "task-1",
		URL:           "https://a.example/",
		State:         crawler.StatusCodeSuccess,
		ContentType:   "text/html",
		ContentLength: 42,
		CreatedAt:     created,
		UpdatedAt:     created.Add(time.Second),
	}
	require.NoError(t, s.Put(context.Background(), st))
	require.Equal(t, DefaultTTL, client.ttls[DefaultKeyPrefix+"task-1"])

	got, err := s.Get(context.Background(), "task-1")
	require.NoError(t, err)
	require.Equal(t, st, got)
}

func TestPutPreservesCreatedAt(t *testing.T) {
	t.Parallel()

	s := NewStatusStoreWithClient(newFakeRedis(), "test:", time.Minute)
	first := time.Unix(1700000000, 0).UTC()

	require.NoError(t, s.Put(context.Background(), store.TaskStatus{ID: "t1", State: store.StateQueued, CreatedAt: first}))
	require.NoError(t, s.Put(context.Background(), store.TaskStatus{
		ID:        "t1",
		State:     crawler.StatusCodeRetry,
		Scope:     crawler.RetryScopeCrawl,
		CreatedAt: first.Add(time.Hour),
	}))

	got, err := s.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, first, got.CreatedAt)
	require.Equal(t, crawler.RetryScopeCrawl, got.Scope)
}

func TestGetMissingIsNotFound(t *testing.T) {
	t.Parallel()

	s := NewStatusStoreWithClient(newFakeRedis(), "", 0)
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestBackendErrorsAreWrapped(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	client := newFakeRedis()
	client.getErr = boom
	s := NewStatusStoreWithClient(client, "", 0)

	_, err := s.Get(context.Background(), "t1")
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.Put(context.Background(), store.TaskStatus{ID: "t1"}), boom)

	client.getErr = nil
	client.setErr = boom
	require.ErrorIs(t, s.Put(context.Background(), store.TaskStatus{ID: "t1"}), boom)
}

func TestPutRequiresID(t *testing.T) {
	t.Parallel()

	s := NewStatusStoreWithClient(newFakeRedis(), "", 0)
	require.Error(t, s.Put(context.Background(), store.TaskStatus{}))
}

func TestNewStatusStoreRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := NewStatusStore(context.Background(), Config{})
	require.Error(t, err)
}

func TestCloseClosesClient(t *testing.T) {
	t.Parallel()

	client := newFakeRedis()
	require.NoError(t, NewStatusStoreWithClient(client, "", 0).Close())
	require.True(t, client.closed)
}
