package audit

import (
	"context"
	"errors"
	"time"
)

// Multi fans an event out to every sink. All sinks see the same event id and
// timestamp; the first reader wins for queries.
type Multi struct {
	sinks  []Sink
	reader Reader
}

// NewMulti fans out to sinks. reader may be nil.
func NewMulti(reader Reader, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, reader: reader}
}

func (m *Multi) Append(ctx context.Context, e Event) error {
	e = stamp(e, time.Now())
	var errs []error
	for _, s := range m.sinks {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) ListByAction(ctx context.Context, actionID string) ([]Event, error) {
	if m.reader == nil {
		return nil, errors.New("audit: no reader configured")
	}
	return m.reader.ListByAction(ctx, actionID)
}
