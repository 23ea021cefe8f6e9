package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/redis/go-redis/v9"
)

// Notifier publishes realtime events into Redis channels so every node's hub
// can fan them out to its local subscribers.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// Available reports whether cross-node publishing is possible.
func (n *Notifier) Available() bool {
	return n != nil && n.rdb != nil
}

// PublishChatEvent sends a room-scoped event to a chat's channel.
func (n *Notifier) PublishChatEvent(ctx context.Context, chatID uint, ev Event) error {
	if n.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	channel := fmt.Sprintf("chat:room:%d", chatID)
	return n.rdb.Publish(ctx, channel, string(payload)).Err()
}

// PublishUserEvent sends an event to a single user's channel (all devices).
func (n *Notifier) PublishUserEvent(ctx context.Context, userID uint, ev Event) error {
	if n.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	channel := fmt.Sprintf("events:user:%d", userID)
	return n.rdb.Publish(ctx, channel, string(payload)).Err()
}

// PublishBroadcast sends an event to every connected user on every node.
func (n *Notifier) PublishBroadcast(ctx context.Context, ev Event) error {
	if n.rdb == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.rdb.Publish(ctx, "events:broadcast", string(payload)).Err()
}

// StartSubscriber subscribes to the chat, user, and broadcast channel
// patterns and calls onMessage for each incoming message.
func (n *Notifier) StartSubscriber(
	ctx context.Context, onMessage func(channel string, payload string),
) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, "chat:room:*", "events:user:*", "events:broadcast")
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Printf("PANIC in realtime subscriber: %v\n%s", r, debug.Stack())
						}
					}()
					onMessage(msg.Channel, msg.Payload)
				}()
			}
		}
	}()

	return nil
}
