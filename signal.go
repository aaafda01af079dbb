package pawchat

import (
	"errors"
	"strings"
	"sync"
)

// ChatRequest asks the messaging widget to open a chat with a counterpart,
// optionally about a pet listing.
type ChatRequest struct {
	RecipientID  string
	PetContextID string
	DisplayHint  string
}

// Errors returned by ChatRequests.
var (
	ErrRequestQueueFull = errors.New("chat request queue full")
	ErrConsumerExists   = errors.New("chat requests already have a consumer")
	ErrRequestsClosed   = errors.New("chat requests closed")
)

// ChatRequests is the typed "open chat" bus. Any part of the application may
// publish; exactly one consumer, the floating widget, receives each request.
type ChatRequests struct {
	mu       sync.Mutex
	ch       chan ChatRequest
	consumed bool
	closed   bool
}

// NewChatRequests creates a bus holding up to buffer undelivered requests.
func NewChatRequests(buffer int) *ChatRequests {
	if buffer <= 0 {
		buffer = 8
	}
	return &ChatRequests{ch: make(chan ChatRequest, buffer)}
}

// Publish queues a request without blocking.
func (b *ChatRequests) Publish(req ChatRequest) error {
	req.RecipientID = strings.TrimSpace(req.RecipientID)
	if req.RecipientID == "" {
		return ErrInvalidRecipient
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrRequestsClosed
	}
	select {
	case b.ch <- req:
		return nil
	default:
		return ErrRequestQueueFull
	}
}

// Consume claims the bus. The returned function gives the claim back so a
// later consumer may take over.
func (b *ChatRequests) Consume() (<-chan ChatRequest, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumed {
		return nil, nil, ErrConsumerExists
	}
	b.consumed = true

	var once sync.Once
	return b.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			b.consumed = false
			b.mu.Unlock()
		})
	}, nil
}

// Close stops accepting requests and ends the consumer's channel.
func (b *ChatRequests) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
