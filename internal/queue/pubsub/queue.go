// Package pubsub implements the durable deferred queue on Google Cloud
// Pub/Sub. Messages carry the job as JSON plus W3C trace context attributes.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/webshot/internal/shot"
)

// Config names the topic and subscription.
type Config struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
	// MaxOutstanding caps unacked messages held by Receive.
	MaxOutstanding int `mapstructure:"max_outstanding"`
}

// Queue publishes and receives jobs.
type Queue struct {
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     *zap.Logger
}

// New wraps an existing publisher and subscriber. Either may be nil when the
// process only produces or only consumes.
func New(publisher *pubsub.Publisher, subscriber *pubsub.Subscriber, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{publisher: publisher, subscriber: subscriber, logger: logger.Named("pubsub")}
}

// NewFromClient builds a Queue on client using cfg's topic and subscription.
func NewFromClient(client *pubsub.Client, cfg Config, logger *zap.Logger) *Queue {
	var (
		pub *pubsub.Publisher
		sub *pubsub.Subscriber
	)
	if cfg.Topic != "" {
		pub = client.Publisher(cfg.Topic)
	}
	if cfg.Subscription != "" {
		sub = client.Subscriber(cfg.Subscription)
		if cfg.MaxOutstanding > 0 {
			sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
		}
	}
	return New(pub, sub, logger)
}

// Enqueue publishes job and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, job shot.Job) error {
	if q.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"job_id": job.ID}}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := q.publisher.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Stop flushes pending publishes and releases publisher resources.
func (q *Queue) Stop() {
	if q.publisher != nil {
		q.publisher.Stop()
	}
}

// Receive blocks delivering jobs to handler. A message is acked after the
// handler succeeds or when it can never succeed (malformed payload,
// validation failure) and nacked otherwise so Pub/Sub redelivers it.
func (q *Queue) Receive(ctx context.Context, handler shot.JobHandler) error {
	if q.subscriber == nil {
		return fmt.Errorf("pubsub subscriber is not configured")
	}
	err := q.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		q.handle(ctx, msg, handler)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

type acker interface {
	Ack()
	Nack()
}

func (q *Queue) handle(ctx context.Context, msg *pubsub.Message, handler shot.JobHandler) {
	q.dispatch(ctx, msg.Data, msg.Attributes, msg, handler)
}

func (q *Queue) dispatch(ctx context.Context, data []byte, attrs map[string]string, m acker, handler shot.JobHandler) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, &pubsubCarrier{attrs: attrs})

	var job shot.Job
	if err := json.Unmarshal(data, &job); err != nil {
		q.logger.Error("dropping malformed job message", zap.Error(err))
		m.Ack()
		return
	}
	log := q.logger.With(zap.String("job_id", job.ID))

	err := handler(ctx, job)
	switch {
	case err == nil:
		m.Ack()
	case errors.Is(err, shot.ErrValidation):
		log.Warn("dropping invalid job", zap.Error(err))
		m.Ack()
	default:
		log.Warn("job failed, requesting redelivery", zap.Error(err))
		m.Nack()
	}
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
