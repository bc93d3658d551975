package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/config"
	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/session"
)

type staticSession struct {
	id     int64
	html   string
	closed atomic.Bool
	views  atomic.Int64
}

func (s *staticSession) ID() int64                           { return s.id }
func (s *staticSession) BrowserType() crawler.BrowserType    { return crawler.BrowserMock }
func (s *staticSession) SetTimeouts(crawler.EmulateSettings) {}
func (s *staticSession) SupportsScripting() bool             { return false }
func (s *staticSession) Retire()                             { s.closed.Store(true) }
func (s *staticSession) IsActive() bool                      { return !s.closed.Load() }
func (s *staticSession) PageViews() int                      { return int(s.views.Load()) }
func (s *staticSession) Stop(context.Context) error          { return nil }
func (s *staticSession) Close() error                        { s.closed.Store(true); return nil }

func (s *staticSession) NavigateTo(context.Context, crawler.NavigateEntry) error {
	s.views.Add(1)
	return nil
}

func (s *staticSession) Evaluate(context.Context, string) (any, error) { return nil, nil }

func (s *staticSession) PageSource(context.Context) (string, error) { return s.html, nil }

func useTestRuntime(t *testing.T, factory session.Factory, mutate func(*config.Config)) {
	t.Helper()

	prevRuntime, prevFactory := loadRuntime, newSessionFactory
	t.Cleanup(func() {
		loadRuntime, newSessionFactory = prevRuntime, prevFactory
	})
	loadRuntime = func(path string) (*runtime, error) {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg.RateLimit.DefaultRPS = 0
		if mutate != nil {
			mutate(&cfg)
		}
		return &runtime{cfg: cfg, logger: zap.NewNop()}, nil
	}
	newSessionFactory = func(config.BrowserConfig, *zap.Logger) (session.Factory, error) {
		return factory, nil
	}
}

func TestFetchCommandPrintsResult(t *testing.T) {
	useTestRuntime(t, session.FactoryFunc(func(_ context.Context, id int64, _ crawler.Identity) (session.Managed, error) {
		return &staticSession{id: id, html: "<html><body>hello</body></html>"}, nil
	}), nil)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"fetch", "--content", "https://a.example/"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var got fetchOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, crawler.StatusCodeSuccess, got.State)
	require.Equal(t, "https://a.example/", got.URL)
	require.Equal(t, 1, got.FetchCount)
	require.Equal(t, "<html><body>hello</body></html>", got.Content)
	require.NotEmpty(t, got.ID)
}

func TestFetchCommandReportsRetryWhenSessionsFail(t *testing.T) {
	useTestRuntime(t, session.FactoryFunc(func(context.Context, int64, crawler.Identity) (session.Managed, error) {
		return nil, errors.New("chrome not installed")
	}), func(cfg *config.Config) {
		cfg.Pool.LaunchAttempts = 1
		cfg.Worker.MaxAttempts = 2
	})

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"fetch", "https://a.example/"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var got fetchOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Equal(t, crawler.StatusCodeRetry, got.State)
	require.Equal(t, crawler.RetryScopeCrawl, got.Scope)
	require.Equal(t, 2, got.FetchCount)
}

func TestFetchCommandRequiresURL(t *testing.T) {
	useTestRuntime(t, nil, nil)

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"fetch"})
	require.Error(t, root.ExecuteContext(context.Background()))
}

func TestWriteFetchOutputSkipsPageWhenCanceled(t *testing.T) {
	t.Parallel()

	task := crawler.NewFetchTask("t1", "https://a.example/", 0)
	task.Page.Content = []byte("partial")
	var out bytes.Buffer
	require.NoError(t, writeFetchOutput(&out, crawler.FetchResult{Task: task, Status: crawler.StatusCanceled()}, true))
	require.NotContains(t, out.String(), "partial")
	require.Contains(t, out.String(), `"state": "canceled"`)
}

func TestResolveRuntimeMissing(t *testing.T) {
	t.Parallel()

	_, err := resolveRuntime(context.Background())
	require.Error(t, err)
}

func TestBuildEngineReportsUnreachableBackends(t *testing.T) {
	useTestRuntime(t, session.FactoryFunc(func(_ context.Context, id int64, _ crawler.Identity) (session.Managed, error) {
		return &staticSession{id: id}, nil
	}), nil)

	base, err := config.Load("")
	require.NoError(t, err)

	testCases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"redis", func(c *config.Config) { c.Redis.Addr = "127.0.0.1:1" }, "init status store"},
		{"nats", func(c *config.Config) { c.NATS.URL = "nats://127.0.0.1:1" }, "init publisher"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			_, err := buildEngine(context.Background(), cfg, zap.NewNop(), 1)
			require.ErrorContains(t, err, tc.want)
		})
	}
}
