package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
)

const (
	defaultBuffer     = 100
	metadataPublished = "published_at"
	metadataTopic     = "topic"

	// streamTopic carries every broadcast topic so that each subscriber
	// sees one ordered sequence.
	streamTopic = "switchboard.events"
)

// Hub is a Channel backed by watermill's in-process gochannel pub/sub.
type Hub struct {
	pubsub *gochannel.GoChannel
	log    zerolog.Logger
	buffer int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// HubOpts holds parameters for creating a Hub.
type HubOpts struct {
	// Buffer is the per-subscriber queue length. Events beyond it are
	// dropped for that subscriber.
	Buffer int
	Logger *zerolog.Logger
}

// NewHub creates a Hub.
func NewHub(opts HubOpts) *Hub {
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            int64(buffer),
				Persistent:                     false,
				BlockPublishUntilSubscriberAck: true,
			},
			NewWatermillLogger(log),
		),
		log:    log,
		buffer: buffer,
	}
}

// Publish encodes payload as JSON and publishes it on topic. Errors are
// logged, never returned. Publish returns once every subscriber has taken
// the event (or dropped it), so successive calls reach each subscriber in
// call order.
func (h *Hub) Publish(topic Topic, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("topic", string(topic)).Msg("encode broadcast payload")
		return
	}
	msg := message.NewMessage(watermill.NewULID(), data)
	msg.Metadata.Set(metadataPublished, time.Now().UTC().Format(time.RFC3339Nano))
	msg.Metadata.Set(metadataTopic, string(topic))

	if err := h.pubsub.Publish(streamTopic, msg); err != nil {
		h.log.Error().Err(err).Str("topic", string(topic)).Msg("publish broadcast")
	}
}

// Subscribe returns a channel of envelopes for the given topics (all topics
// when none are given). Envelopes arrive in publish order. The channel is
// closed when ctx is cancelled or the hub is closed. A subscriber that
// falls behind loses events rather than slowing publishers.
func (h *Hub) Subscribe(ctx context.Context, topics ...Topic) (<-chan Envelope, error) {
	if len(topics) == 0 {
		topics = AllTopics
	}
	want := make(map[Topic]bool, len(topics))
	for _, t := range topics {
		want[t] = true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, fmt.Errorf("broadcast: hub closed")
	}

	msgs, err := h.pubsub.Subscribe(ctx, streamTopic)
	if err != nil {
		return nil, fmt.Errorf("broadcast: subscribe: %w", err)
	}

	out := make(chan Envelope, h.buffer)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer close(out)
		for msg := range msgs {
			// Ack before enqueueing: the publisher waits on it.
			msg.Ack()
			topic := Topic(msg.Metadata.Get(metadataTopic))
			if !want[topic] {
				continue
			}
			env := Envelope{
				ID:        msg.UUID,
				Topic:     topic,
				Payload:   msg.Payload,
				Published: parsePublished(msg.Metadata.Get(metadataPublished)),
			}
			select {
			case out <- env:
			default:
				h.log.Warn().Str("topic", string(topic)).Str("event_id", msg.UUID).Msg("subscriber behind, dropping event")
			}
		}
	}()
	return out, nil
}

// Close shuts the hub down and closes every subscription.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	err := h.pubsub.Close()
	h.wg.Wait()
	if err != nil {
		return fmt.Errorf("broadcast: close: %w", err)
	}
	return nil
}

func parsePublished(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
