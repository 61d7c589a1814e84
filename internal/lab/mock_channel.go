package lab

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InboundMessage is what MockChannel hands to the injected handler,
// shaped to match what a real channel adapter would assemble from a
// platform event.
type InboundMessage struct {
	MessageID       string
	ChannelKey      string
	AuthorName      string
	Username        string
	Text            string
	ReplyTo         string
	ReplyToAuthorID string
	IsReplyToAgent  bool
	IsPrimaryUser   bool
}

// OutboundMessage is a response sent back through the mock channel.
type OutboundMessage struct {
	ChannelKey string
	Text       string
}

// Handler is the real message-processing entry point the lab harness
// injects the mock channel into — the same function signature a real
// channel adapter would call on an inbound event.
type Handler func(ctx context.Context, msg InboundMessage) error

// MockChannel stands in for a real chat platform adapter in lab runs:
// inject() feeds messages into the same handler path production
// traffic uses, and wait_for_response polls the outbound side.
type MockChannel struct {
	mu        sync.Mutex
	handler   Handler
	responses []OutboundMessage
	delivered int
	notify    chan struct{}
}

// NewMockChannel builds an unwired mock channel; call SetHandler before
// Inject is used.
func NewMockChannel() *MockChannel {
	return &MockChannel{notify: make(chan struct{}, 1)}
}

// SetHandler wires the message-processing callback, normally done by
// the AgentRunner once it has built its own dispatch pipeline around
// this channel.
func (m *MockChannel) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Send records an outbound message, as a real channel's send method
// would after the agent loop produces a reply.
func (m *MockChannel) Send(ctx context.Context, channelKey, text string) error {
	m.mu.Lock()
	m.responses = append(m.responses, OutboundMessage{ChannelKey: channelKey, Text: text})
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Inject builds an InboundMessage matching a real platform event's
// shape and runs it through the handler, the same path real channels use.
func (m *MockChannel) Inject(ctx context.Context, channelKey, authorName, text string, isPrimaryUser, isReplyToAgent bool) error {
	msg := InboundMessage{
		MessageID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		ChannelKey:     channelKey,
		AuthorName:     authorName,
		Username:       authorName,
		Text:           text,
		IsReplyToAgent: isReplyToAgent,
		IsPrimaryUser:  isPrimaryUser,
	}

	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("lab: mock channel has no handler wired")
	}
	return handler(ctx, msg)
}

// WaitForResponse returns the oldest outbound message not yet returned
// by an earlier WaitForResponse call, blocking until one is sent or
// timeout elapses; it returns nil on timeout. A reply the handler sent
// during Inject, before this call started, is returned too.
func (m *MockChannel) WaitForResponse(ctx context.Context, timeout time.Duration) *OutboundMessage {
	deadline := time.After(timeout)
	for {
		m.mu.Lock()
		if len(m.responses) > m.delivered {
			resp := m.responses[m.delivered]
			m.delivered++
			m.mu.Unlock()
			return &resp
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
			continue
		case <-deadline:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Responses returns a copy of every outbound message sent so far.
func (m *MockChannel) Responses() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.responses))
	copy(out, m.responses)
	return out
}

// LastResponse returns the most recent outbound message, or nil if none.
func (m *MockChannel) LastResponse() *OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responses) == 0 {
		return nil
	}
	last := m.responses[len(m.responses)-1]
	return &last
}

// ClearResponses empties the recorded outbound message list.
func (m *MockChannel) ClearResponses() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = nil
	m.delivered = 0
}

// ResponseCount returns how many outbound messages have been sent.
func (m *MockChannel) ResponseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.responses)
}
