package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type failingSink struct{ calls int }

func (f *failingSink) Deliver(context.Context, Envelope) error {
	f.calls++
	return errors.New("sink down")
}

func TestBus_SequencesAndFansOut(t *testing.T) {
	rec := &Recorder{}
	bad := &failingSink{}
	bus := NewBus(fixedClock{time.Unix(1700000000, 900)}, bad, rec)

	bus.Emit(context.Background(), ToneUpdated{ExecutorID: 1, Tone: 5, State: contracts.StateSafe, UpdatedAt: 1700000000})
	bus.Emit(context.Background(), CapabilityRevoked{TokenID: 7, Reason: contracts.ReasonReflexTrigger})

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, TypeToneUpdated, events[0].Type)
	assert.Equal(t, int64(1700000000), events[0].At)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, 2, bad.calls, "failing sink must not stop delivery")

	assert.Len(t, rec.OfType(TypeCapabilityRevoked), 1)
	rec.Reset()
	assert.Empty(t, rec.Events())
}

func TestPayloadFieldNames(t *testing.T) {
	b, err := json.Marshal(CapabilityIssued{TokenID: 1, ExecutorID: 2, Requester: "planner", ExpiresAt: 10})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	for _, k := range []string{"tokenId", "executorId", "requester", "actionId", "expiresAt", "paramsHashA", "paramsHashB", "preStateHashA", "preStateHashB"} {
		assert.Contains(t, m, k)
	}

	b, err = json.Marshal(ReflexTriggered{ExecutorID: 3, Reason: "DANGER", RevokedCount: 4, TriggeredAt: 5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"executorId":3,"reason":"DANGER","revokedCount":4,"triggeredAt":5}`, string(b))

	b, err = json.Marshal(ToneUpdated{ExecutorID: 1, Tone: 350000, State: contracts.StateDanger, UpdatedAt: 9})
	require.NoError(t, err)
	assert.JSONEq(t, `{"executorId":1,"tone":350000,"state":"DANGER","updatedAt":9}`, string(b))
}

func TestHub_DropsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(1)
	assert.Equal(t, 1, hub.Subscribers())

	require.NoError(t, hub.Deliver(context.Background(), Envelope{Seq: 1}))
	require.NoError(t, hub.Deliver(context.Background(), Envelope{Seq: 2}))

	got := <-ch
	assert.Equal(t, uint64(1), got.Seq)

	hub.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers())
	hub.Unsubscribe(ch)
}

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error {
	c.closed = true
	return nil
}

func TestKafkaSink_Deliver(t *testing.T) {
	w := &captureWriter{}
	sink := &KafkaSink{writer: w}

	err := sink.Deliver(context.Background(), Envelope{ID: "e1", Seq: 42, Type: TypeReflexTriggered, Payload: ReflexTriggered{ExecutorID: 1}})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ReflexTriggered", string(w.msgs[0].Key))
	assert.Equal(t, "42", string(w.msgs[0].Headers[0].Value))

	var env map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &env))
	assert.Equal(t, "e1", env["id"])

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaSink_Validation(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Brokers: []string{" "}, Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "vagus.events"})
	require.NoError(t, err)
	require.NoError(t, sink.Close())
}
