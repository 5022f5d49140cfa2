package messaging

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"notemart/internal/docstore"
)

// Outbox is the claim/ack surface of the document store outbox.
type Outbox interface {
	ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]docstore.OutboxRecord, error)
	MarkSent(ctx context.Context, id int64) error
	MarkRetry(ctx context.Context, id int64, next time.Time) error
}

type OutboxDispatcher struct {
	outbox    Outbox
	publisher Publisher
	interval  time.Duration
	batchSize int
	lease     time.Duration
	logger    logrus.FieldLogger
}

func NewOutboxDispatcher(outbox Outbox, publisher Publisher, interval time.Duration, batch int, logger logrus.FieldLogger) *OutboxDispatcher {
	return &OutboxDispatcher{
		outbox:    outbox,
		publisher: publisher,
		interval:  interval,
		batchSize: batch,
		lease:     30 * time.Second,
		logger:    logger,
	}
}

func (d *OutboxDispatcher) Start(ctx context.Context) {
	go d.loop(ctx)
}

func (d *OutboxDispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if _, err := d.Dispatch(ctx); err != nil {
			d.logger.WithError(err).Error("outbox dispatch failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Dispatch publishes one batch of due events and returns how many went out.
func (d *OutboxDispatcher) Dispatch(ctx context.Context) (int, error) {
	records, err := d.outbox.ClaimOutbox(ctx, d.batchSize, d.lease)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, rec := range records {
		if err := d.publishOne(ctx, rec); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"event_id":   rec.EventID,
				"event_type": rec.EventType,
				"attempts":   rec.Attempts,
			}).Warn("publish event failed")
			continue
		}
		sent++
	}
	return sent, nil
}

func (d *OutboxDispatcher) publishOne(ctx context.Context, rec docstore.OutboxRecord) error {
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := d.publisher.Publish(pubCtx, Message{ID: rec.EventID, RoutingKey: rec.EventType, Body: rec.Payload})
	if err != nil {
		if retryErr := d.outbox.MarkRetry(ctx, rec.ID, time.Now().Add(retryDelay(rec.Attempts+1))); retryErr != nil {
			return retryErr
		}
		return err
	}
	return d.outbox.MarkSent(ctx, rec.ID)
}

func retryDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 5 {
		attempts = 5
	}
	delay := time.Duration(1<<attempts) * time.Second
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}
