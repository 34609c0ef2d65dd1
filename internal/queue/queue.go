package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jmalhotra/crashlake/internal/metrics"
	"github.com/jmalhotra/crashlake/internal/pipeline"
)

const retryCountHeader = "x-retry-count"

// DeadLetterQueue names the holding queue for messages that exhausted their
// retry budget. Dead-lettered messages stay inspectable and replayable by an
// operator without re-minting a corrid.
func DeadLetterQueue(queueName string) string {
	return queueName + ".dead"
}

// Publisher is the narrow interface stages publish handoffs through.
type Publisher interface {
	Publish(ctx context.Context, queueName string, env Envelope) error
}

// Client wraps an AMQP connection with durable-queue publish/consume and
// at-least-once delivery. Correctness under redelivery is the consumers'
// responsibility (idempotent writes), not the broker's.
type Client struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger

	// pub is the publish path handleDelivery uses for requeues and
	// dead-letters; it is the client itself outside of tests.
	pub Publisher
}

var _ Publisher = (*Client)(nil)

// Dial connects with bounded linear backoff so workers can start before the
// broker finishes booting.
func Dial(url string, logger *slog.Logger) (*Client, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < 10; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		logger.Warn("rabbitmq not ready, retrying", slog.Int("attempt", i+1), slog.String("error", err.Error()))
		time.Sleep(time.Second * time.Duration(1+i))
	}
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	c := &Client{conn: conn, ch: ch, logger: logger}
	c.pub = c
	return c, nil
}

func (c *Client) Close() error {
	if err := c.ch.Close(); err != nil {
		return err
	}
	return c.conn.Close()
}

// declare ensures the work queue and its dead-letter queue exist. Both are
// durable; declarations are idempotent on the broker.
func (c *Client) declare(queueName string) error {
	if _, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	if _, err := c.ch.QueueDeclare(DeadLetterQueue(queueName), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue for %s: %w", queueName, err)
	}
	return nil
}

func (c *Client) Publish(ctx context.Context, queueName string, env Envelope) error {
	if err := c.declare(queueName); err != nil {
		return err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	err = c.ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{retryCountHeader: int32(env.Attempt)},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queueName, err)
	}
	return nil
}

// Handler processes one envelope. Returning nil acks the message. A
// retryable error requeues it (with an incremented attempt count) until the
// retry budget is spent; anything else routes it to the dead-letter queue.
type Handler func(ctx context.Context, env Envelope) error

// DeadLetterer is notified when a message is routed to the dead-letter
// queue, so the run can be marked failed by the caller.
type DeadLetterer func(ctx context.Context, env Envelope, cat pipeline.Category, cause error)

// Consume runs a blocking consumer loop on queueName until ctx is done.
func (c *Client) Consume(ctx context.Context, queueName string, maxRetries, prefetch int, handler Handler, onDead DeadLetterer) error {
	if err := c.declare(queueName); err != nil {
		return err
	}
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := c.ch.ConsumeWithContext(ctx, queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queueName, err)
	}

	c.logger.Info("consuming", slog.String("queue", queueName))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed for %s", queueName)
			}
			c.handleDelivery(ctx, queueName, maxRetries, d, handler, onDead)
		}
	}
}

func (c *Client) handleDelivery(ctx context.Context, queueName string, maxRetries int, d amqp.Delivery, handler Handler, onDead DeadLetterer) {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		// Malformed messages can never succeed; park them for inspection.
		c.logger.Error("bad envelope, dead-lettering", slog.String("queue", queueName), slog.String("error", err.Error()))
		if dlErr := c.toDeadLetter(ctx, queueName, Envelope{Stage: queueName, Payload: d.Body}); dlErr != nil {
			c.logger.Error("dead-letter publish failed, leaving message queued", slog.String("queue", queueName), slog.String("error", dlErr.Error()))
			d.Nack(false, true)
			return
		}
		d.Ack(false)
		return
	}
	if n, ok := retryCount(d.Headers); ok && n > env.Attempt {
		env.Attempt = n
	}

	start := time.Now()
	err := handler(ctx, env)
	metrics.JobDuration.WithLabelValues(queueName).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.JobsProcessed.WithLabelValues(queueName, "ok").Inc()
		d.Ack(false)
		return
	}

	cat := pipeline.CategoryOf(err)
	if cat == pipeline.TransientInfra && env.Attempt < maxRetries {
		// Requeue with an incremented attempt count. Republish-then-ack is
		// used instead of a broker nack so the count survives the round trip.
		retry := env
		retry.Attempt++
		if pubErr := c.pub.Publish(ctx, queueName, retry); pubErr != nil {
			c.logger.Error("requeue failed, leaving message unacked", slog.String("queue", queueName), slog.String("error", pubErr.Error()))
			d.Nack(false, true)
			return
		}
		metrics.Retries.WithLabelValues(queueName).Inc()
		c.logger.Warn("message requeued",
			slog.String("queue", queueName),
			slog.String("corrid", env.CorrID.String()),
			slog.Int("attempt", retry.Attempt),
			slog.String("error", err.Error()))
		d.Ack(false)
		return
	}

	if cat == pipeline.TransientInfra {
		cat = pipeline.ExhaustedRetries
	}
	c.logger.Error("message dead-lettered",
		slog.String("queue", queueName),
		slog.String("corrid", env.CorrID.String()),
		slog.String("category", string(cat)),
		slog.String("error", err.Error()))
	metrics.JobsProcessed.WithLabelValues(queueName, "failed").Inc()
	// The DLQ copy must exist before the original is acked; otherwise a
	// broker outage here would drop the message with no replayable trace.
	if dlErr := c.toDeadLetter(ctx, queueName, env); dlErr != nil {
		c.logger.Error("dead-letter publish failed, leaving message queued", slog.String("queue", queueName), slog.String("error", dlErr.Error()))
		d.Nack(false, true)
		return
	}
	metrics.DeadLetters.WithLabelValues(queueName, string(cat)).Inc()
	if onDead != nil {
		onDead(ctx, env, cat, err)
	}
	d.Ack(false)
}

func (c *Client) toDeadLetter(ctx context.Context, queueName string, env Envelope) error {
	return c.pub.Publish(ctx, DeadLetterQueue(queueName), env)
}

func retryCount(headers amqp.Table) (int, bool) {
	v, ok := headers[retryCountHeader]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
