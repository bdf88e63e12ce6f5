// Package broadcast defines the fire-and-forget publish/subscribe contract used
// to fan change events out from the webhook to the worker bridges. Messages
// published while no subscriber is listening are lost.
package broadcast

import "context"

// Message is a single payload received on a channel
type Message struct {
	Channel string
	Payload []byte
}

// Subscription delivers messages until it is closed. The Messages channel is
// closed when the subscription ends.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Publisher publishes raw payloads on a named channel
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber opens subscriptions on a named channel
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
