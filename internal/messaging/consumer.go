package messaging

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type Consumer struct {
	conn   *amqp091.Connection
	queue  string
	logger logrus.FieldLogger
}

// NewRabbitConsumer declares a durable queue bound to exchange with
// bindingKey, which may use topic wildcards.
func NewRabbitConsumer(url, exchange, queue, bindingKey string, logger logrus.FieldLogger) (*Consumer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "connect rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	defer ch.Close()

	if err := declareExchange(ch, exchange); err != nil {
		conn.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "declare queue")
	}

	if err := ch.QueueBind(
		queue,
		bindingKey,
		exchange,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "bind queue")
	}

	return &Consumer{
		conn:   conn,
		queue:  queue,
		logger: logger,
	}, nil
}

// Start blocks, handing every delivery to handler until ctx is done. The
// handler owns acknowledgement.
func (c *Consumer) Start(ctx context.Context, handler func(context.Context, amqp091.Delivery)) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "open channel")
	}

	if err := ch.Qos(16, 0, false); err != nil {
		ch.Close()
		return errors.Wrap(err, "set qos")
	}

	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return errors.Wrap(err, "consume queue")
	}

	go func() {
		<-ctx.Done()
		_ = ch.Cancel("", false)
		ch.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				c.logger.WithField("queue", c.queue).Info("consumer channel closed")
				return nil
			}
			handler(ctx, msg)
		}
	}
}

func (c *Consumer) Close() error {
	return c.conn.Close()
}
