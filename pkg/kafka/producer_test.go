package kafka

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func testProducer() *Producer {
	return NewProducer([]string{"localhost:9092"}, "bonus-events", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProducerComplete(t *testing.T) {
	leaderDown := errors.New("leader not available")
	tests := []struct {
		name string
		err  error
	}{
		{name: "acknowledged batch"},
		{name: "failed batch", err: leaderDown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testProducer()
			first, second := make(chan error, 1), make(chan error, 1)

			p.complete([]kafka.Message{
				{Key: []byte("a"), WriterData: first},
				{Key: []byte("b"), WriterData: second},
				{Key: []byte("c")},
			}, tt.err)

			assert.Equal(t, tt.err, <-first)
			assert.Equal(t, tt.err, <-second)
		})
	}
}

func TestNewProducerWriterSettings(t *testing.T) {
	p := testProducer()

	assert.True(t, p.writer.Async)
	assert.Equal(t, kafka.RequireAll, p.writer.RequiredAcks)
	assert.IsType(t, &kafka.Hash{}, p.writer.Balancer)
	assert.NotNil(t, p.writer.Completion)
}
