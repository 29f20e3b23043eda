package sinks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-crawler/internal/crawler"
	"github.com/JakeFAU/url-crawler/internal/progress"
)

// BatchNotification is the payload announced when a batch settles.
type BatchNotification struct {
	BatchID    string    `json:"batch_id"`
	Status     string    `json:"status"`
	Pages      int       `json:"pages"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	SettledAt  time.Time `json:"settled_at"`
}

// PublishSink forwards terminal batch events to a crawler.Publisher. Other
// stages are ignored.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink builds a PublishSink for topic.
func NewPublishSink(publisher crawler.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one notification per settled batch. Publish failures are
// logged and do not stop the rest of the batch.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		msg := BatchNotification{
			BatchID:    evt.BatchID,
			Status:     string(crawler.BatchStatusCompleted),
			Pages:      evt.Pages,
			DurationMs: evt.Dur.Milliseconds(),
			SettledAt:  evt.TS.UTC(),
		}
		if evt.Stage == progress.StageBatchError {
			msg.Status = string(crawler.BatchStatusFailed)
			msg.Error = evt.Note
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			s.logger.Warn("batch notification publish failed",
				zap.String("batch_id", evt.BatchID), zap.String("topic", s.topic), zap.Error(err))
			continue
		}
		s.logger.Debug("batch notification published",
			zap.String("batch_id", evt.BatchID), zap.String("message_id", id))
	}
	return nil
}

// Close implements progress.Sink; the publisher is closed by its owner.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
