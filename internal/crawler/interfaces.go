package crawler

import (
	"context"
	"time"
)

// Session is an acquired browser-control handle.
type Session interface {
	ID() int64
	BrowserType() BrowserType
	NavigateTo(ctx context.Context, entry NavigateEntry) error
	// Evaluate runs one script expression and returns its value, nil when the
	// script yields null or undefined.
	Evaluate(ctx context.Context, expr string) (any, error)
	PageSource(ctx context.Context) (string, error)
	Stop(ctx context.Context) error
	SetTimeouts(settings EmulateSettings)
	SupportsScripting() bool
	Retire()
	IsActive() bool
	PageViews() int
}

// SessionPool supplies and reclaims sessions.
type SessionPool interface {
	Acquire(ctx context.Context, task *FetchTask) (Session, error)
	Release(session Session)
	Retire(session Session)
	// Cancel interrupts in-flight work bound to the task key, best effort.
	Cancel(taskKey string)
}

// ResponseInspector is implemented by sessions that observe the main
// document response of the last navigation. Body is not populated.
type ResponseInspector interface {
	LastResponse() ResourceResponse
}

// SessionHealthRecorder is implemented by pools that score session health
// from fetch outcomes.
type SessionHealthRecorder interface {
	RecordOutcome(session Session, status ProtocolStatus)
}

// ProxySource supplies the network identity new sessions are configured with.
type ProxySource interface {
	CurrentIdentity(ctx context.Context) (Identity, error)
}

// ResourceLoader fetches a plain resource without rendering it.
type ResourceLoader interface {
	Load(ctx context.Context, url string) (ResourceResponse, error)
}

// Publisher pushes result events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher digests fetched content so consumers can detect unchanged pages.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// ResultHandler consumes fetch results after execution.
type ResultHandler interface {
	HandleResult(ctx context.Context, result FetchResult) error
}

// ResultHandlerFunc adapts a function to ResultHandler.
type ResultHandlerFunc func(ctx context.Context, result FetchResult) error

// HandleResult calls f.
func (f ResultHandlerFunc) HandleResult(ctx context.Context, result FetchResult) error {
	return f(ctx, result)
}

// Clock returns the current time and fires timers (useful for testing).
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Random is the jitter source; *rand.Rand satisfies it.
type Random interface {
	Intn(n int) int
}

// ActiveChecker reports whether the process is still running.
type ActiveChecker interface {
	IsActive() bool
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Sleep waits for d on clock, returning early with an error when ctx ends.
func Sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
