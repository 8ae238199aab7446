// Package bus is the publish/subscribe channel for job lifecycle events.
//
// Delivery is at-most-once per subscriber with no replay: subscribers only
// see events published after they attach. The polling path covers anything
// missed here.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/Moegreen249/charisma-ai-render-deploy-sub004/pkg/models"
)

// Topic names. Every state change goes to the job's own topic and is
// mirrored to the admin firehose; story-bound jobs also hit their story topic.
const AdminJobsTopic = "admin:jobs"

func JobTopic(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func StoryTopic(storyID uuid.UUID) string {
	return fmt.Sprintf("story:%s", storyID)
}

// IsStoryTopic reports whether topic is a per-story topic. Consumers use it
// to pick the wire shape for relayed events.
func IsStoryTopic(topic string) bool {
	return strings.HasPrefix(topic, "story:")
}

// Bus wraps a watermill gochannel Pub/Sub with typed job events.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *slog.Logger
}

// New creates a Bus. bufferSize bounds each subscriber's backlog; slow
// subscribers beyond it lose events rather than stalling publishers.
func New(bufferSize int64, logger *slog.Logger) *Bus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: bufferSize},
		watermill.NewSlogLogger(logger),
	)
	return &Bus{pubsub: pubsub, logger: logger}
}

// PublishJobEvent broadcasts one lifecycle event to all interested topics.
func (b *Bus) PublishJobEvent(ctx context.Context, ev models.JobEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}

	topics := []string{JobTopic(ev.JobID), AdminJobsTopic}
	if ev.StoryID != nil {
		topics = append(topics, StoryTopic(*ev.StoryID))
	}

	for _, topic := range topics {
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.SetContext(ctx)
		if err := b.pubsub.Publish(topic, msg); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}
	return nil
}

// Subscribe attaches to a topic and returns a channel of decoded events.
// The channel closes when ctx is cancelled or the bus shuts down.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan models.JobEvent, error) {
	messages, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	out := make(chan models.JobEvent)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev models.JobEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Error("dropping malformed bus event", "topic", topic, "error", err)
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down, closing all subscriber channels.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
