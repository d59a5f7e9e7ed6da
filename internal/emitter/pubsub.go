package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/heatlink/fetchengine/internal/model"
)

// DefaultAckWait bounds how long Emit waits for Pub/Sub to acknowledge a
// publish before giving up on it (§6.4: failures here are logged, never
// rolled back).
const DefaultAckWait = 5 * time.Second

// PubSubConfig configures a PubSub emitter.
type PubSubConfig struct {
	ProjectID string
	TopicID   string
	AckWait   time.Duration
}

func (c *PubSubConfig) defaults() {
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
}

// PubSub publishes a batch of committed items per Emit call, tagged with
// call_type in the message attributes, adapted from the teacher's
// fire-and-forget publisher with a bounded wait for the publish result.
type PubSub struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	ackWait   time.Duration
	logger    *zap.Logger
}

// NewPubSub dials Pub/Sub and binds a publisher to cfg.TopicID.
func NewPubSub(ctx context.Context, cfg PubSubConfig, logger *zap.Logger) (*PubSub, error) {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init: %w", err)
	}
	return &PubSub{
		client:    client,
		publisher: client.Publisher(cfg.TopicID),
		ackWait:   cfg.AckWait,
		logger:    logger,
	}, nil
}

// Emit marshals the deduped batch to JSON and publishes it as a single
// message, waiting up to ackWait for the broker's ack.
func (p *PubSub) Emit(ctx context.Context, items []model.NewsItem, callType model.CallType) error {
	deduped := dedupeByID(items)
	if len(deduped) == 0 {
		return nil
	}

	data, err := json.Marshal(deduped)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"call_type":  string(callType),
			"item_count": strconv.Itoa(len(deduped)),
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := p.publisher.Publish(ctx, msg)

	waitCtx, cancel := context.WithTimeout(ctx, p.ackWait)
	defer cancel()
	if _, err := result.Get(waitCtx); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	return nil
}

// Close stops the publisher and closes the underlying client.
func (p *PubSub) Close() error {
	p.publisher.Stop()
	return p.client.Close()
}

// pubsubCarrier implements propagation.TextMapCarrier over Pub/Sub
// message attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string { return c.attrs[key] }

func (c *pubsubCarrier) Set(key, value string) { c.attrs[key] = value }

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
