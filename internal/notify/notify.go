// File: internal/notify/notify.go
// Description: Fire-and-forget notification sink. The dispatch core pushes
// typed events at it and must never block; slow or absent consumers only
// cost dropped messages.
package notify

import (
	"go.uber.org/zap"
)

// Type classifies a notification for the consumer.
type Type string

const (
	TypePrice       Type = "price"
	TypeScanning    Type = "scanning"
	TypePanic       Type = "panic"
	TypeNotFound    Type = "not_found"
	TypeCache       Type = "cache"
	TypeTranslation Type = "translation"
)

// Message is one display event.
type Message struct {
	Type  Type    `json:"type"`
	Text  string  `json:"text"`
	Price float64 `json:"price"`
}

// Sink accepts messages without blocking the caller.
type Sink interface {
	Publish(msg Message)
}

// NopSink discards everything. Used when no consumer is attached.
type NopSink struct{}

func (NopSink) Publish(Message) {}

// ChannelSink buffers messages on a channel for an in-process consumer.
// When the buffer is full the message is dropped, not queued.
type ChannelSink struct {
	ch     chan Message
	logger *zap.Logger
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int, logger *zap.Logger) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{
		ch:     make(chan Message, buffer),
		logger: logger.Named("notify"),
	}
}

// Publish enqueues the message, dropping it if the consumer has fallen behind.
func (s *ChannelSink) Publish(msg Message) {
	select {
	case s.ch <- msg:
	default:
		s.logger.Debug("Notification dropped, buffer full", zap.String("type", string(msg.Type)))
	}
}

// Messages exposes the consumer side of the sink.
func (s *ChannelSink) Messages() <-chan Message {
	return s.ch
}
