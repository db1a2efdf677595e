// Package pubsub publishes listing and job events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
)

// Publisher routes each event topic to a Pub/Sub topic named
// "<prefix><event topic with dots replaced by dashes>".
type Publisher struct {
	client *pubsub.Client
	prefix string

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// New creates a Publisher over client.
func New(client *pubsub.Client, topicPrefix string) *Publisher {
	return &Publisher{
		client:     client,
		prefix:     topicPrefix,
		publishers: make(map[string]*pubsub.Publisher),
	}
}

// TopicID maps an event topic such as "listing.observed" to a Pub/Sub topic id.
func TopicID(prefix, topic string) string {
	return prefix + strings.ReplaceAll(topic, ".", "-")
}

// Publish marshals the payload to JSON and publishes it, propagating the
// trace context in message attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub client is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"event": topic}}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.publisher(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	return id, nil
}

// Stop flushes and stops every topic publisher.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pub := range p.publishers {
		pub.Stop()
	}
	clear(p.publishers)
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	pub, ok := p.publishers[topic]
	if !ok {
		pub = p.client.Publisher(TopicID(p.prefix, topic))
		p.publishers[topic] = pub
	}
	return pub
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
