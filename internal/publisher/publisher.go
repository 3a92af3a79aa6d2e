// Package publisher defines the outbound message sink used to deliver
// notifications. Implementations live in the log, pubsub and memory
// subpackages.
package publisher

import "context"

// Publisher emits one message. key identifies the recipient and travels as a
// message attribute; payload is encoded by the implementation.
type Publisher interface {
	Publish(ctx context.Context, key string, payload any) (string, error)
}
