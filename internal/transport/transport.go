// Package transport defines the messaging collaborator. The engine produces
// notification and response payloads and hands them to a Messenger; delivery
// between peers is outside this runtime.
package transport

import (
	"context"
	"sync"

	"peerlink/internal/id"
)

// Messenger delivers a content payload to the given recipients and returns
// the id of the message that carries it.
type Messenger interface {
	Send(ctx context.Context, content any, recipients []string) (string, error)
}

// SentMessage is one recorded Outbox delivery.
type SentMessage struct {
	ID         string
	Content    any
	Recipients []string
}

// Outbox is the default Messenger: it records sends in memory and mints
// message ids without touching a network. The CLI and tests inspect it to
// see what would have gone to peers.
type Outbox struct {
	mu   sync.Mutex
	sent []SentMessage
}

func NewOutbox() *Outbox {
	return &Outbox{}
}

func (o *Outbox) Send(ctx context.Context, content any, recipients []string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	msg := SentMessage{
		ID:         id.New(id.Message),
		Content:    content,
		Recipients: recipients,
	}
	o.sent = append(o.sent, msg)
	return msg.ID, nil
}

// Sent returns a copy of the recorded deliveries in send order.
func (o *Outbox) Sent() []SentMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]SentMessage, len(o.sent))
	copy(out, o.sent)
	return out
}
