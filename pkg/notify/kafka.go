// Package notify forwards engine events to downstream consumers.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpengine/pkg/app/core/events"
)

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const defaultBuffer = 4096

// KafkaSink publishes event envelopes keyed by channel, so every event for
// one market or user lands on the same partition in order. Publish never
// blocks: events are queued and dropped with a warning when the queue is full.
type KafkaSink struct {
	w      MessageWriter
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
	return NewSink(w, defaultBuffer, logger)
}

// NewSink starts the delivery loop over any writer.
func NewSink(w MessageWriter, buffer int, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &KafkaSink{
		w:      w,
		logger: logger,
		queue:  make(chan kafka.Message, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *KafkaSink) Publish(_ context.Context, e events.Event) {
	value, err := events.Marshal(e)
	if err != nil {
		s.logger.Error("kafka_encode_failed", zap.String("type", string(e.Type())), zap.Error(err))
		return
	}
	msg := kafka.Message{Key: []byte(e.Channel()), Value: value}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- msg:
	default:
		s.logger.Warn("kafka_queue_full", zap.String("channel", e.Channel()))
	}
}

func (s *KafkaSink) run() {
	defer close(s.done)
	for msg := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.w.WriteMessages(ctx, msg); err != nil {
			s.logger.Warn("kafka_write_failed", zap.String("key", string(msg.Key)), zap.Error(err))
		}
		cancel()
	}
}

// Close drains queued events and closes the writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.w.Close()
}

var _ events.Sink = (*KafkaSink)(nil)
