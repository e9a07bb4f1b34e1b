package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

const invalidateChannel = "conversations:invalidate"

// Invalidation tells peers sharing this store that a conversation changed on
// the server.
type Invalidation struct {
	Origin         string `json:"origin"`
	ConversationID string `json:"conversation_id"`
	Deleted        bool   `json:"deleted,omitempty"`
}

// Notifier broadcasts invalidations over redis pub/sub. Messages published by
// the same origin are not delivered back to it.
type Notifier struct {
	client *Client
	origin string
	logger *slog.Logger
}

func NewNotifier(client *Client, origin string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{client: client, origin: origin, logger: logger.With("component", "notifier")}
}

func (n *Notifier) channel() string {
	return n.client.prefix + invalidateChannel
}

// Publish broadcasts inv under this notifier's origin.
func (n *Notifier) Publish(ctx context.Context, inv Invalidation) error {
	raw := n.client.Raw()
	if raw == nil {
		return errors.New("redis client not initialized")
	}
	inv.Origin = n.origin
	payload, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := raw.Publish(ctx, n.channel(), payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Listen subscribes and delivers peer invalidations to handler until ctx is
// done. It returns once the subscription is confirmed.
func (n *Notifier) Listen(ctx context.Context, handler func(Invalidation)) error {
	raw := n.client.Raw()
	if raw == nil {
		return errors.New("redis client not initialized")
	}
	pubsub := raw.Subscribe(ctx, n.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv Invalidation
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					n.logger.Warn("invalidation decode failed", "error", err)
					continue
				}
				if inv.Origin == n.origin {
					continue
				}
				handler(inv)
			}
		}
	}()
	return nil
}
