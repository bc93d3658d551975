package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchTaskLocationPrefersHref(t *testing.T) {
	t.Parallel()

	task := NewFetchTask("t1", "https://a.example/", 0)
	require.Equal(t, "https://a.example/", task.Location())

	task.Href = "https://a.example/print"
	require.Equal(t, "https://a.example/print", task.Location())
}

func TestFetchTaskCompleteOnce(t *testing.T) {
	t.Parallel()

	task := NewFetchTask("t1", "https://a.example/", 0)
	require.True(t, task.Complete(NewFetchResult(task, StatusSuccess(), nil)))
	require.False(t, task.Complete(CanceledResult(task)))

	select {
	case <-task.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
	require.True(t, task.Result().IsSuccess())
}

func TestFetchTaskCancel(t *testing.T) {
	t.Parallel()

	task := NewFetchTask("t1", "https://a.example/", 0)
	require.False(t, task.IsCanceled())
	task.Cancel()
	require.True(t, task.IsCanceled())
}

func TestNewFetchResultMirrorsStatusOnPage(t *testing.T) {
	t.Parallel()

	task := NewFetchTask("t1", "https://a.example/", 0)
	cause := errors.New("slow")
	result := NewFetchResult(task, RetryWithCause(RetryScopeCrawl, cause), cause)

	require.True(t, result.IsRetry())
	require.Equal(t, RetryScopeCrawl, task.Page.ProtocolStatus.Scope)
	require.Equal(t, "slow", task.Page.ProtocolStatus.Message)
	require.Equal(t, "retry(CRAWL)", result.Status.String())
}

func TestMaxDOMPollRounds(t *testing.T) {
	t.Parallel()

	settings := DefaultEmulateSettings()
	settings.ScriptTimeout = 12 * time.Second
	require.Equal(t, 7, settings.MaxDOMPollRounds())

	settings.ScriptTimeout = 3 * time.Second
	require.Equal(t, 0, settings.MaxDOMPollRounds())
}

func TestParseActiveDOMMessage(t *testing.T) {
	t.Parallel()

	msg, err := ParseActiveDOMMessage(`{"status":{"n":3,"scroll":2,"st":"c","r":"ok"},"stat":{"ni":4,"na":25},"urls":{"URL":"https://a.example/"}}`)
	require.NoError(t, err)
	require.Equal(t, 25, msg.AnchorCount())
	require.Equal(t, 3, msg.Status.N)
	require.Equal(t, "https://a.example/", msg.URLs.URL)

	_, err = ParseActiveDOMMessage("{bad")
	require.Error(t, err)

	var empty *ActiveDOMMessage
	require.Equal(t, -1, empty.AnchorCount())
}

func TestEventHooksSlot(t *testing.T) {
	t.Parallel()

	var nilHooks *EventHooks
	require.Nil(t, nilHooks.Slot(HookBeforeNavigate))

	hooks := &EventHooks{AfterComputeFeature: func(_ context.Context, _ *Page, _ Session) error { return nil }}
	require.NotNil(t, hooks.Slot(HookAfterComputeFeature))
	require.Nil(t, hooks.Slot(HookBeforeComputeFeature))
}
