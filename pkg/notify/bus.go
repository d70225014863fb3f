package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

// Envelope wraps a payload with ordering and identity metadata.
type Envelope struct {
	ID      string  `json:"id"`
	Seq     uint64  `json:"seq"`
	Type    Type    `json:"type"`
	At      int64   `json:"at"`
	Payload Payload `json:"payload"`
}

// Sink receives envelopes. Implementations must be safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, env Envelope) error
}

// Emitter is what engine components depend on.
type Emitter interface {
	Emit(ctx context.Context, p Payload)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Emit(context.Context, Payload) {}

// Bus stamps payloads into envelopes and fans them out to sinks in order.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	sinks  []Sink
	clock  contracts.Clock
	logger *slog.Logger
}

// NewBus creates a bus delivering to sinks.
func NewBus(clock contracts.Clock, sinks ...Sink) *Bus {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	return &Bus{
		sinks:  sinks,
		clock:  clock,
		logger: slog.Default().With("component", "notify"),
	}
}

// AddSink registers an additional sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit delivers p to every sink. Sink errors are logged and dropped.
func (b *Bus) Emit(ctx context.Context, p Payload) {
	b.mu.Lock()
	b.seq++
	env := Envelope{
		ID:      uuid.NewString(),
		Seq:     b.seq,
		Type:    p.EventType(),
		At:      contracts.Unix(b.clock),
		Payload: p,
	}
	sinks := append([]Sink(nil), b.sinks...)
	// Delivery happens under the lock so every sink observes sequence order.
	defer b.mu.Unlock()

	for _, s := range sinks {
		if err := s.Deliver(ctx, env); err != nil {
			b.logger.WarnContext(ctx, "notification delivery failed",
				"type", env.Type, "seq", env.Seq, "error", err)
		}
	}
}

// LogSink writes every envelope to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Deliver(ctx context.Context, env Envelope) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "type", env.Type, "seq", env.Seq, "id", env.ID, "payload", env.Payload)
	return nil
}

// Recorder keeps every envelope in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Deliver(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
	return nil
}

// Events returns a copy of the recorded envelopes.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.events...)
}

// OfType returns the recorded payloads of one type, in order.
func (r *Recorder) OfType(t Type) []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payload
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e.Payload)
		}
	}
	return out
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
