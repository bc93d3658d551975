package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/browser-fetch-engine/internal/crawler"
	"github.com/JakeFAU/browser-fetch-engine/internal/fatlink"
)

// Event names published alongside payloads.
const (
	EventFetchResult     = "fetch.result"
	EventFatLinkFinished = "fatlink.finished"
	EventFatLinkAborted  = "fatlink.aborted"
)

// ResultEvent is the payload published for every delivered fetch result.
type ResultEvent struct {
	ID             string             `json:"id"`
	BatchID        string             `json:"batch_id,omitempty"`
	URL            string             `json:"url"`
	Referrer       string             `json:"referrer,omitempty"`
	Status         crawler.StatusCode `json:"status"`
	Scope          crawler.RetryScope `json:"scope,omitempty"`
	Message        string             `json:"message,omitempty"`
	ContentType    string             `json:"content_type,omitempty"`
	ContentLength  int                `json:"content_length"`
	ContentHash    string             `json:"content_hash,omitempty"`
	FetchCount     int                `json:"fetch_count"`
	SessionRetired bool               `json:"session_retired"`
	PublishedAt    time.Time          `json:"published_at"`
}

// FatLinkEvent is the payload published when a group finishes or aborts.
type FatLinkEvent struct {
	SeedURL       string    `json:"seed_url"`
	Size          int       `json:"size"`
	FinishedCount int       `json:"finished_count"`
	Status        int       `json:"status"`
	Aborted       bool      `json:"aborted"`
	PublishedAt   time.Time `json:"published_at"`
}

// ResultPublisher is a result handler that publishes every result.
type ResultPublisher struct {
	publisher crawler.Publisher
	hasher    crawler.Hasher
	logger    *zap.Logger
}

// NewResultPublisher constructs a ResultPublisher. hasher may be nil, in
// which case events carry no content digest.
func NewResultPublisher(publisher crawler.Publisher, hasher crawler.Hasher, logger *zap.Logger) *ResultPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultPublisher{publisher: publisher, hasher: hasher, logger: logger.Named("publisher")}
}

// HandleResult publishes the result event.
func (p *ResultPublisher) HandleResult(ctx context.Context, result crawler.FetchResult) error {
	task := result.Task
	if task == nil {
		return nil
	}
	event := ResultEvent{
		ID:             task.ID,
		BatchID:        task.BatchID,
		URL:            task.URL,
		Referrer:       task.Referrer,
		Status:         result.Status.Code,
		Scope:          result.Status.Scope,
		Message:        result.Status.Message,
		SessionRetired: result.SessionRetired,
		PublishedAt:    time.Now().UTC(),
	}
	if task.Page != nil {
		event.ContentType = task.Page.ContentType
		event.ContentLength = len(task.Page.Content)
		event.FetchCount = task.Page.FetchCount
		if p.hasher != nil && result.IsSuccess() && len(task.Page.Content) > 0 {
			digest, err := p.hasher.Hash(task.Page.Content)
			if err != nil {
				return fmt.Errorf("hash content: %w", err)
			}
			event.ContentHash = digest
		}
	}
	id, err := p.publisher.Publish(ctx, EventFetchResult, event)
	if err != nil {
		return fmt.Errorf("publish fetch result: %w", err)
	}
	p.logger.Debug("fetch result published", zap.String("task_id", task.ID), zap.String("message_id", id))
	return nil
}

// LinkEvents publishes fat link lifecycle events. It implements
// fatlink.Listener.
type LinkEvents struct {
	publisher crawler.Publisher
	logger    *zap.Logger
}

var _ fatlink.Listener = (*LinkEvents)(nil)

// NewLinkEvents constructs a LinkEvents listener.
func NewLinkEvents(publisher crawler.Publisher, logger *zap.Logger) *LinkEvents {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkEvents{publisher: publisher, logger: logger.Named("publisher")}
}

// OnFinished publishes a finished event.
func (l *LinkEvents) OnFinished(ctx context.Context, link *fatlink.FatLink) {
	l.publish(ctx, EventFatLinkFinished, link)
}

// OnAborted publishes an aborted event.
func (l *LinkEvents) OnAborted(ctx context.Context, link *fatlink.FatLink) {
	l.publish(ctx, EventFatLinkAborted, link)
}

func (l *LinkEvents) publish(ctx context.Context, name string, link *fatlink.FatLink) {
	event := FatLinkEvent{
		SeedURL:       link.URL,
		Size:          link.Size(),
		FinishedCount: link.FinishedCount(),
		Status:        link.Status(),
		Aborted:       link.IsAborted(),
		PublishedAt:   time.Now().UTC(),
	}
	if _, err := l.publisher.Publish(ctx, name, event); err != nil {
		l.logger.Warn("failed to publish fat link event",
			zap.String("event", name),
			zap.String("seed_url", link.URL),
			zap.Error(err),
		)
	}
}
