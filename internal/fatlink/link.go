// Package fatlink tracks fan-out groups: a seed URL whose page yields many
// derived tail links that complete independently.
package fatlink

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/browser-fetch-engine/internal/clock/system"
	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
)

// ResourceStatus values mirror the HTTP codes they are named after.
const (
	StatusProcessing = 102
	StatusOK         = 200
	StatusCreated    = 201
	StatusAccepted   = 202
)

// IsFinishedStatus reports whether a status is terminal for a tail link.
func IsFinishedStatus(status int) bool {
	switch status {
	case StatusCreated, StatusAccepted, StatusProcessing:
		return false
	default:
		return true
	}
}

// TailLink is one derived link of a fat link group.
type TailLink struct {
	URL      string
	Referrer string
	Text     string
	Order    int

	mu         sync.RWMutex
	status     int
	createdAt  time.Time
	modifiedAt time.Time
}

// NewTailLink creates a tail link in the created state. New restamps its
// times with the group clock.
func NewTailLink(url, referrer string) *TailLink {
	now := time.Now().UTC()
	return &TailLink{
		URL:        url,
		Referrer:   referrer,
		status:     StatusCreated,
		createdAt:  now,
		modifiedAt: now,
	}
}

// Status returns the current resource status.
func (l *TailLink) Status() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// ModifiedAt returns when the status last changed.
func (l *TailLink) ModifiedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.modifiedAt
}

// IsFinished reports whether the link reached a terminal status.
func (l *TailLink) IsFinished() bool {
	return IsFinishedStatus(l.Status())
}

// CreatedAt returns when the link joined its group.
func (l *TailLink) CreatedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.createdAt
}

func (l *TailLink) stamp(at time.Time) {
	l.mu.Lock()
	l.createdAt = at
	l.modifiedAt = at
	l.mu.Unlock()
}

func (l *TailLink) mark(status int, at time.Time) {
	l.mu.Lock()
	l.status = status
	l.modifiedAt = at
	l.mu.Unlock()
}

// FatLink is a seed URL and its ordered tail links. Finish may be called
// concurrently from independent fetch executions.
type FatLink struct {
	URL string

	clock crawler.Clock

	mu            sync.Mutex
	tails         []*TailLink
	index         map[string]*TailLink
	finished      map[*TailLink]struct{}
	finishedCount int
	aborted       bool
	status        int
	createdAt     time.Time
	modifiedAt    time.Time
}

// New creates a group for seedURL. Tails whose Order is unset take their
// position in the slice.
func New(seedURL string, tails []*TailLink, clock crawler.Clock) *FatLink {
	if clock == nil {
		clock = system.New()
	}
	now := clock.Now()
	f := &FatLink{
		URL:        seedURL,
		clock:      clock,
		tails:      make([]*TailLink, 0, len(tails)),
		index:      make(map[string]*TailLink, len(tails)),
		finished:   make(map[*TailLink]struct{}, len(tails)),
		status:     StatusCreated,
		createdAt:  now,
		modifiedAt: now,
	}
	for i, tail := range tails {
		if tail == nil {
			continue
		}
		if tail.Order == 0 {
			tail.Order = i + 1
		}
		if _, dup := f.index[tail.URL]; dup {
			continue
		}
		tail.stamp(now)
		f.tails = append(f.tails, tail)
		f.index[tail.URL] = tail
	}
	return f
}

// Tails returns the tail links in order.
func (f *FatLink) Tails() []*TailLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*TailLink, len(f.tails))
	copy(out, f.tails)
	return out
}

// Lookup finds a member tail by URL.
func (f *FatLink) Lookup(url string) (*TailLink, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tail, ok := f.index[url]
	return tail, ok
}

// Finish marks a tail finished. It returns false without changing anything
// when the tail is not a member, its referrer is not the seed URL, or it was
// already finished.
func (f *FatLink) Finish(tail *TailLink, status int) bool {
	if tail == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	member, ok := f.index[tail.URL]
	if !ok || member != tail {
		return false
	}
	if tail.Referrer != f.URL {
		return false
	}
	if _, done := f.finished[tail]; done {
		return false
	}

	now := f.clock.Now()
	tail.mark(status, now)
	f.finished[tail] = struct{}{}
	f.finishedCount++
	f.modifiedAt = now
	f.aborted = false
	if f.finishedCount >= len(f.tails) {
		f.status = StatusOK
	}
	return true
}

// Abort flags the group so watchers stop waiting for stragglers. Counts are
// left untouched and the next successful Finish clears the flag.
func (f *FatLink) Abort() {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
}

// IsAborted reports the abort flag.
func (f *FatLink) IsAborted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted
}

// Size is the number of tail links.
func (f *FatLink) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tails)
}

// FinishedCount is the number of finished tail links.
func (f *FatLink) FinishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finishedCount
}

// NumActive is the number of tail links still outstanding.
func (f *FatLink) NumActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tails) - f.finishedCount
}

// IsFinished reports whether every tail link finished.
func (f *FatLink) IsFinished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finishedCount >= len(f.tails)
}

// Status is the group resource status; StatusOK once finished.
func (f *FatLink) Status() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// IdleTime is the time since the group last changed.
func (f *FatLink) IdleTime() time.Duration {
	f.mu.Lock()
	modified := f.modifiedAt
	f.mu.Unlock()
	return f.clock.Now().Sub(modified)
}

// CreatedAt returns when the group was created.
func (f *FatLink) CreatedAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createdAt
}

func (f *FatLink) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d (+%d) %s", f.finishedCount, len(f.tails), len(f.tails)-f.finishedCount, f.URL)
	if f.aborted {
		b.WriteString(" aborted")
	}
	return b.String()
}
