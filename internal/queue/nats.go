// internal/queue/nats.go
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/fawad-mazhar/regsync/internal/config"
	"github.com/fawad-mazhar/regsync/internal/models"
)

// Delivery is a task message received from the queue
type Delivery interface {
	Data() []byte
	Ack() error
	// Nak asks for redelivery after delay, immediately when delay is zero
	Nak(delay time.Duration) error
	// InProgress resets the redelivery timer of a message still being worked on
	InProgress() error
}

type NATS struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	config config.NATSConfig
}

func NewNATS(cfg config.NATSConfig) (*NATS, error) {
	conn, err := nats.Connect(cfg.URL, nats.Name("regsync"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to open JetStream context")
	}

	q := &NATS{
		conn:   conn,
		js:     js,
		config: cfg,
	}

	if err := q.setupStreams(); err != nil {
		q.Close()
		return nil, errors.Wrap(err, "failed to setup streams")
	}

	return q, nil
}

func (q *NATS) setupStreams() error {
	// Task messages are removed once a runner acknowledged them
	err := q.ensureStream(&nats.StreamConfig{
		Name:      q.config.TasksStream,
		Subjects:  []string{q.config.TasksSubject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return err
	}

	// Status messages expire after 72 hours
	return q.ensureStream(&nats.StreamConfig{
		Name:      q.config.StatusStream,
		Subjects:  []string{q.config.StatusSubject},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    72 * time.Hour,
	})
}

func (q *NATS) ensureStream(cfg *nats.StreamConfig) error {
	_, err := q.js.StreamInfo(cfg.Name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return errors.Wrapf(err, "failed to inspect stream %s", cfg.Name)
	}
	if _, err := q.js.AddStream(cfg); err != nil {
		return errors.Wrapf(err, "failed to create stream %s", cfg.Name)
	}
	return nil
}

func (q *NATS) PublishTask(ctx context.Context, msg models.TaskMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal task message")
	}

	_, err = q.js.Publish(q.config.TasksSubject, data, nats.Context(ctx))
	return errors.Wrapf(err, "failed to publish task %s", msg.TaskID)
}

// ConsumeTasks subscribes the durable queue group to the tasks subject.
// The returned channel is closed when ctx is done.
func (q *NATS) ConsumeTasks(ctx context.Context) (<-chan Delivery, error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := q.js.ChanQueueSubscribe(
		q.config.TasksSubject,
		q.config.QueueGroup,
		msgs,
		nats.Durable(q.config.QueueGroup),
		nats.ManualAck(),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to subscribe to tasks")
	}

	deliveries := make(chan Delivery)
	go func() {
		defer close(deliveries)
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				select {
				case deliveries <- natsDelivery{msg: msg}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return deliveries, nil
}

func (q *NATS) PublishStatus(ctx context.Context, status *models.StatusMessage) error {
	data, err := json.Marshal(status)
	if err != nil {
		return errors.Wrap(err, "failed to marshal status")
	}

	_, err = q.js.Publish(q.config.StatusSubject, data, nats.Context(ctx))
	return errors.Wrap(err, "failed to publish status")
}

func (q *NATS) Close() error {
	return q.conn.Drain()
}

type natsDelivery struct {
	msg *nats.Msg
}

func (d natsDelivery) Data() []byte {
	return d.msg.Data
}

func (d natsDelivery) Ack() error {
	return d.msg.Ack()
}

func (d natsDelivery) InProgress() error {
	return d.msg.InProgress()
}

func (d natsDelivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}
