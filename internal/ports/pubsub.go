package ports

import "context"

// PubSub is the transport collaborator carrying the machine protocol.
// One topic per machine id.
type PubSub interface {
	// Subscribe opens a subscription to the machine's topic.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Publish delivers data to every subscriber of the topic,
	// preserving per-topic publication order.
	Publish(ctx context.Context, topic string, data []byte) error
}

// Subscription is a live attachment to one topic. It satisfies
// domain.SubscriptionHandle.
type Subscription interface {
	// AddHandler registers a callback invoked for every payload
	// published to the topic after registration. Callbacks for one
	// subscription run sequentially in publication order.
	AddHandler(fn func(data []byte))

	Close() error
}
