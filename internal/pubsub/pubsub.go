// Package pubsub is the external publish/subscribe transport the event bus
// relays through. Topics are plain strings; messages are opaque text.
package pubsub

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("pubsub: transport closed")

type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string) (Subscription, error)
	Close() error
}

// Subscription is a pollable message source for one topic.
type Subscription interface {
	// Poll returns the next pending message without blocking.
	Poll() ([]byte, bool)
	Unsubscribe() error
}
