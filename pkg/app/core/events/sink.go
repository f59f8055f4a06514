package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Sink receives events fire-and-forget. Implementations must not block the
// caller for long and must handle their own delivery failures.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi fans out to every sink in order.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, s := range m {
		s.Publish(ctx, e)
	}
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of one type, in publish order.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Envelope is the wire form shared by the websocket hub and the Kafka sink.
type Envelope struct {
	Type    Type            `json:"type"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func Marshal(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type(), err)
	}
	return json.Marshal(Envelope{Type: e.Type(), Channel: e.Channel(), Data: data})
}

// Unmarshal decodes an envelope back into its concrete variant.
func Unmarshal(b []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	var (
		e   Event
		err error
	)
	switch env.Type {
	case TypeOrder:
		var v OrderEvent
		err = json.Unmarshal(env.Data, &v)
		e = v
	case TypeBook:
		var v BookDelta
		err = json.Unmarshal(env.Data, &v)
		e = v
	case TypeTrade:
		var v TradeEvent
		err = json.Unmarshal(env.Data, &v)
		e = v
	case TypePosition:
		var v PositionEvent
		err = json.Unmarshal(env.Data, &v)
		e = v
	case TypeFunding:
		var v FundingEvent
		err = json.Unmarshal(env.Data, &v)
		e = v
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", env.Type, err)
	}
	return e, nil
}

func lowerHex(a common.Address) string { return strings.ToLower(a.Hex()) }
