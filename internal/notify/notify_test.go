// File: internal/notify/notify_test.go
package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestChannelSinkDelivers(t *testing.T) {
	s := NewChannelSink(4, zap.NewNop())
	s.Publish(Message{Type: TypePrice, Text: "nick: 120", Price: 120})

	got := <-s.Messages()
	assert.Equal(t, TypePrice, got.Type)
	assert.Equal(t, 120.0, got.Price)
}

func TestChannelSinkNeverBlocks(t *testing.T) {
	s := NewChannelSink(2, zap.NewNop())

	// Publishing past the buffer must return immediately and drop.
	for i := 0; i < 100; i++ {
		s.Publish(Message{Type: TypeScanning, Text: "x"})
	}
	assert.Len(t, s.ch, 2)
}

func TestNopSink(t *testing.T) {
	// Must tolerate use with no consumer at all.
	var sink Sink = NopSink{}
	sink.Publish(Message{Type: TypePanic, Text: "rate limit"})
}
