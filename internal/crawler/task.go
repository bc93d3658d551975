package crawler

import (
	"sync"
	"sync/atomic"
	"time"
)

// FetchTask is one unit of fetch work. It is owned by a task cache until
// drained and by a single emulator execution afterwards.
type FetchTask struct {
	ID        string
	BatchID   string
	Priority  int
	URL       string
	Href      string
	Referrer  string
	Page      *Page
	Hooks     *EventHooks
	CreatedAt time.Time

	canceled atomic.Bool
	once     sync.Once
	done     chan struct{}
	result   FetchResult
}

// NewFetchTask builds a task and its page record.
func NewFetchTask(id, url string, priority int) *FetchTask {
	return &FetchTask{
		ID:       id,
		URL:      url,
		Priority: priority,
		Page:     &Page{URL: url},
		done:     make(chan struct{}),
	}
}

// Location is where the session navigates; href wins over the canonical url.
func (t *FetchTask) Location() string {
	if t.Href != "" {
		return t.Href
	}
	return t.URL
}

// Key identifies the task to session pools; the ID when set, else the URL.
func (t *FetchTask) Key() string {
	if t.ID != "" {
		return t.ID
	}
	return t.URL
}

// Cancel flags the task; the emulator observes it at every suspension point.
func (t *FetchTask) Cancel() {
	t.canceled.Store(true)
}

// IsCanceled reports whether Cancel was called.
func (t *FetchTask) IsCanceled() bool {
	return t.canceled.Load()
}

// Complete records the result and wakes waiters. Only the first call counts.
func (t *FetchTask) Complete(result FetchResult) bool {
	completed := false
	t.once.Do(func() {
		t.result = result
		completed = true
		if t.done != nil {
			close(t.done)
		}
	})
	return completed
}

// Done is closed once Complete has been called.
func (t *FetchTask) Done() <-chan struct{} {
	return t.done
}

// Result returns the completed result. It is only valid after Done is closed.
func (t *FetchTask) Result() FetchResult {
	<-t.done
	return t.result
}

// FetchResult is the typed outcome delivered upstream.
type FetchResult struct {
	Task           *FetchTask
	Status         ProtocolStatus
	Err            error
	SessionRetired bool
}

// NewFetchResult builds a result and mirrors the status onto the page record.
func NewFetchResult(task *FetchTask, status ProtocolStatus, err error) FetchResult {
	if task != nil && task.Page != nil {
		task.Page.ProtocolStatus = status
	}
	return FetchResult{Task: task, Status: status, Err: err}
}

// CanceledResult returns a canceled result for the task.
func CanceledResult(task *FetchTask) FetchResult {
	return NewFetchResult(task, StatusCanceled(), nil)
}

// IsSuccess reports a successful fetch.
func (r FetchResult) IsSuccess() bool { return r.Status.IsSuccess() }

// IsCanceled reports a canceled fetch.
func (r FetchResult) IsCanceled() bool { return r.Status.IsCanceled() }

// IsRetry reports a retryable fetch.
func (r FetchResult) IsRetry() bool { return r.Status.IsRetry() }
