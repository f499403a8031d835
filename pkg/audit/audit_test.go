package audit

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestMemorySink_ChainAndQuery(t *testing.T) {
	ctx := context.Background()
	sink := NewMemorySink().WithClock(fixedClock())

	require.NoError(t, sink.Append(ctx, Event{ActionID: "a1", RouteID: "r", EventType: EventIdentityVerified}))
	require.NoError(t, sink.Append(ctx, Event{ActionID: "a2", RouteID: "r", EventType: EventRequestBlocked, Details: map[string]any{"code": "RATE_LIMITED"}}))
	require.NoError(t, sink.Append(ctx, Event{ActionID: "a1", RouteID: "r", EventType: EventSessionVerified}))

	trail, err := sink.ListByAction(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, EventIdentityVerified, trail[0].EventType)
	assert.Equal(t, EventSessionVerified, trail[1].EventType)
	assert.NotEmpty(t, trail[0].EventID)

	all := sink.All()
	require.Len(t, all, 3)
	assert.Empty(t, all[0].PrevHash)
	assert.Equal(t, all[0].Hash, all[1].PrevHash)
	assert.Equal(t, all[1].Hash, all[2].PrevHash)

	ok, idx := sink.VerifyChain()
	assert.True(t, ok)
	assert.Equal(t, -1, idx)

	all[1].Details["code"] = "REPLAY_NONCE"
	ok, idx = VerifyChain(all)
	assert.False(t, ok)
	assert.Equal(t, 1, idx)

	// The sink's own copy is untouched by callers.
	ok, _ = sink.VerifyChain()
	assert.True(t, ok)
}

func TestMemorySink_UnknownAction(t *testing.T) {
	trail, err := NewMemorySink().ListByAction(context.Background(), "missing")
	require.NoError(t, err)
	assert.Empty(t, trail)
}

func TestSQLSink(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewSQLSink(db)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enforcement_events")).
		WithArgs("evt_1", "a1", "0xagent", "r", "REQUEST_BLOCKED", `{"code":"RATE_LIMITED"}`, created.UnixNano(), int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, sink.Append(context.Background(), Event{
		EventID:      "evt_1",
		ActionID:     "a1",
		AgentAddress: "0xagent",
		RouteID:      "r",
		EventType:    EventRequestBlocked,
		Details:      map[string]any{"code": "RATE_LIMITED"},
		CreatedAt:    created,
	}))

	rows := sqlmock.NewRows([]string{"event_id", "action_id", "agent_address", "route_id", "event_type", "details", "created_at"}).
		AddRow("evt_1", "a1", "0xagent", "r", "REQUEST_BLOCKED", `{"code":"RATE_LIMITED"}`, created.UnixNano()).
		AddRow("evt_2", "a1", "0xagent", "r", "QUOTE_ISSUED", "{}", created.UnixNano())
	mock.ExpectQuery(regexp.QuoteMeta("FROM enforcement_events WHERE action_id = $1")).
		WithArgs("a1").
		WillReturnRows(rows)

	trail, err := sink.ListByAction(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "RATE_LIMITED", trail[0].Details["code"])
	assert.Equal(t, EventQuoteIssued, trail[1].EventType)
	assert.Nil(t, trail[1].Details)
	assert.True(t, created.Equal(trail[0].CreatedAt))

	assert.NoError(t, mock.ExpectationsWereMet())
}

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (r *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msgs...)
	return nil
}

func (r *recordingWriter) Close() error { return nil }

func TestKafkaSink(t *testing.T) {
	w := &recordingWriter{}
	sink := newKafkaSink(w)

	require.NoError(t, sink.Append(context.Background(), Event{ActionID: "a1", RouteID: "r", EventType: EventQuoteIssued}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("a1"), w.msgs[0].Key)
	assert.Equal(t, "event-type", w.msgs[0].Headers[0].Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, EventQuoteIssued, decoded.EventType)
	assert.NotEmpty(t, decoded.EventID)

	w.err = errors.New("broker down")
	assert.Error(t, sink.Append(context.Background(), Event{ActionID: "a1"}))

	_, err := NewKafkaSink(KafkaConfig{Topic: "events"})
	assert.Error(t, err)
}

type failingSink struct{}

func (failingSink) Append(context.Context, Event) error { return errors.New("sink offline") }

func TestMulti(t *testing.T) {
	ctx := context.Background()
	mem := NewMemorySink()
	w := &recordingWriter{}
	multi := NewMulti(mem, mem, newKafkaSink(w))

	require.NoError(t, multi.Append(ctx, Event{ActionID: "a1", RouteID: "r", EventType: EventPaymentVerified}))

	trail, err := multi.ListByAction(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, trail, 1)

	var published Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &published))
	assert.Equal(t, trail[0].EventID, published.EventID)

	failing := NewMulti(nil, mem, failingSink{})
	assert.Error(t, failing.Append(ctx, Event{ActionID: "a2"}))
	trail, _ = mem.ListByAction(ctx, "a2")
	assert.Len(t, trail, 1, "healthy sinks still receive the event")

	_, err = failing.ListByAction(ctx, "a2")
	assert.Error(t, err)
}
