// Package cleanup deletes objects that were left behind when an inline
// delete failed. It consumes asset.orphaned events.
package cleanup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"notemart/internal/contracts"
	"notemart/internal/objectstore"
)

var errUnknownStore = errors.New("unknown store")

// Target is a store together with the time one delete against it may take.
type Target struct {
	Store   objectstore.Store
	Timeout time.Duration
}

type Worker struct {
	targets map[string]Target
	logger  logrus.FieldLogger
}

func NewWorker(primary, secondary Target, logger logrus.FieldLogger) *Worker {
	return &Worker{
		targets: map[string]Target{
			contracts.StorePrimary:   primary,
			contracts.StoreSecondary: secondary,
		},
		logger: logger,
	}
}

// Handle deletes the object named by one event body.
func (w *Worker) Handle(ctx context.Context, body []byte) error {
	var evt contracts.AssetOrphanedEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return errors.Wrap(err, "decode orphaned asset event")
	}
	target, ok := w.targets[evt.Store]
	if !ok || target.Store == nil || evt.ObjectID == "" {
		return errors.Wrapf(errUnknownStore, "store %q object %q", evt.Store, evt.ObjectID)
	}

	if target.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}
	if err := target.Store.Delete(ctx, evt.ObjectID); err != nil {
		return err
	}

	w.logger.WithFields(logrus.Fields{
		"store":     evt.Store,
		"object_id": evt.ObjectID,
		"item_id":   evt.ItemID,
	}).Info("orphaned object deleted")
	return nil
}

// HandleDelivery acks a processed delivery, drops malformed ones and requeues
// the rest.
func (w *Worker) HandleDelivery(ctx context.Context, msg amqp091.Delivery) {
	err := w.Handle(ctx, msg.Body)
	switch {
	case err == nil:
		_ = msg.Ack(false)
	case errors.Is(err, errUnknownStore), isDecodeError(err):
		w.logger.WithError(err).Error("invalid orphaned asset event")
		_ = msg.Nack(false, false)
	default:
		w.logger.WithError(err).WithField("message_id", msg.MessageId).Warn("orphaned object delete failed, requeueing")
		_ = msg.Nack(false, true)
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
