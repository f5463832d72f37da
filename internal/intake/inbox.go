package intake

import (
	"context"
	"errors"

	"promo-code-engine/internal/models"
)

// DefaultInboxSize bounds how many messages may wait for the consumer.
const DefaultInboxSize = 256

// ErrInboxFull is returned when Submit would block.
var ErrInboxFull = errors.New("intake: inbox full")

// Inbox decouples message sources from the intake consumer.
type Inbox struct {
	ch chan models.Message
}

// NewInbox creates an inbox holding up to size messages.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{ch: make(chan models.Message, size)}
}

// Submit queues msg without blocking.
func (i *Inbox) Submit(msg models.Message) error {
	select {
	case i.ch <- msg:
		return nil
	default:
		return ErrInboxFull
	}
}

// Receive blocks until a message arrives or ctx ends.
func (i *Inbox) Receive(ctx context.Context) (models.Message, error) {
	select {
	case msg := <-i.ch:
		return msg, nil
	case <-ctx.Done():
		return models.Message{}, ctx.Err()
	}
}
