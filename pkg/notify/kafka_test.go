package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/app/core/events"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   bool
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broker down")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSinkDeliversInOrder(t *testing.T) {
	w := &fakeWriter{}
	s := NewSink(w, 16, nil)

	s.Publish(context.Background(), events.TradeEvent{Trade: &core.Trade{ID: "t1", Market: "BTC-USDC"}})
	s.Publish(context.Background(), events.BookDelta{Market: "BTC-USDC", Side: core.Buy})
	require.NoError(t, s.Close())

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "trades:BTC-USDC", string(w.msgs[0].Key))
	assert.Equal(t, "orderbook:BTC-USDC", string(w.msgs[1].Key))
	assert.True(t, w.closed)

	e, err := events.Unmarshal(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "t1", e.(events.TradeEvent).Trade.ID)

	// publishing after close is a no-op
	s.Publish(context.Background(), events.BookDelta{Market: "BTC-USDC"})
	assert.NoError(t, s.Close())
}

func TestKafkaSinkSurvivesWriteFailures(t *testing.T) {
	w := &fakeWriter{fail: true}
	s := NewSink(w, 4, nil)
	s.Publish(context.Background(), events.BookDelta{Market: "X"})
	assert.NoError(t, s.Close())
	assert.Empty(t, w.msgs)
}
