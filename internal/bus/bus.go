package bus

import (
	"context"
	"errors"
	"sync"
)

const DefaultBufSize = 100

var ErrClosed = errors.New("message bus closed")

// MessageBus queues inbound messages for the gateway's single consumer loop.
type MessageBus struct {
	Inbound chan InboundMessage
	done    chan struct{}
	once    sync.Once
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	return &MessageBus{
		Inbound: make(chan InboundMessage, bufSize),
		done:    make(chan struct{}),
	}
}

// Publish blocks until msg is queued, ctx is done, or the bus is closed.
func (b *MessageBus) Publish(ctx context.Context, msg InboundMessage) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

// Close stops accepting new messages. Queued messages stay readable.
func (b *MessageBus) Close() {
	b.once.Do(func() { close(b.done) })
}

func (b *MessageBus) Done() <-chan struct{} { return b.done }
