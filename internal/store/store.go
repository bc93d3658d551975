// Package store defines task status persistence used by the ingestion
// service. Implementations live in subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
)

// ErrNotFound signals that no status is stored for the task id.
var ErrNotFound = errors.New("task status not found")

// StateQueued marks a submitted task that has not produced a result yet.
const StateQueued crawler.StatusCode = "queued"

// TaskStatus is the externally visible state of a submitted task.
type TaskStatus struct {
	ID            string             `json:"id"`
	URL           string             `json:"url"`
	State         crawler.StatusCode `json:"state"`
	Scope         crawler.RetryScope `json:"scope,omitempty"`
	Message       string             `json:"message,omitempty"`
	ContentType   string             `json:"content_type,omitempty"`
	ContentLength int                `json:"content_length"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// NotFound is the status reported for unknown ids.
func NotFound(id string) TaskStatus {
	return TaskStatus{ID: id, State: crawler.StatusCodeNotFound}
}

// FromResult derives the status of a completed task.
func FromResult(result crawler.FetchResult, at time.Time) TaskStatus {
	task := result.Task
	st := TaskStatus{
		ID:        task.ID,
		URL:       task.URL,
		State:     result.Status.Code,
		Scope:     result.Status.Scope,
		Message:   result.Status.Message,
		CreatedAt: task.CreatedAt,
		UpdatedAt: at,
	}
	if task.Page != nil {
		st.ContentType = task.Page.ContentType
		st.ContentLength = len(task.Page.Content)
	}
	return st
}

// StatusStore persists task status by id.
type StatusStore interface {
	Put(ctx context.Context, status TaskStatus) error
	// Get returns ErrNotFound when the id is unknown.
	Get(ctx context.Context, id string) (TaskStatus, error)
}
