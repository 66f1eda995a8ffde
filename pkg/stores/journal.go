package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/geo-mak/autonomic-playground/pkg/manager"
	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

// eventWriteTimeout bounds one event insert from a subscriber callback.
const eventWriteTimeout = 5 * time.Second

// Journal records manager invocations in a SQLiteStore.
type Journal struct {
	store *SQLiteStore
}

// NewJournal returns a manager.Journal backed by store.
func NewJournal(store *SQLiteStore) *Journal {
	return &Journal{store: store}
}

var _ manager.Journal = (*Journal)(nil)

func (j *Journal) InvocationStarted(ctx context.Context, rec manager.Record) error {
	return j.store.RecordInvocationStarted(ctx, &Invocation{
		ID:           rec.ID,
		ControllerID: rec.Controller,
		OperationID:  rec.Operation,
		Trigger:      rec.Trigger,
		State:        string(operation.StateStarted),
		StartedAt:    rec.StartedAt,
	})
}

func (j *Journal) InvocationFinished(ctx context.Context, rec manager.Record) error {
	return j.store.RecordInvocationFinished(ctx, rec.ID, string(rec.State), rec.Message, rec.FinishedAt)
}

func (j *Journal) History(ctx context.Context, controllerID, operationID string, limit int) ([]manager.Record, error) {
	invocations, err := j.store.ListInvocations(ctx, controllerID, operationID, limit)
	if err != nil {
		return nil, err
	}

	records := make([]manager.Record, 0, len(invocations))
	for _, inv := range invocations {
		rec := manager.Record{
			ID:         inv.ID,
			Controller: inv.ControllerID,
			Operation:  inv.OperationID,
			Trigger:    inv.Trigger,
			StartedAt:  inv.StartedAt,
			State:      operation.StateKind(inv.State),
			Message:    inv.Message,
		}
		if inv.FinishedAt != nil {
			rec.FinishedAt = *inv.FinishedAt
		}
		records = append(records, rec)
	}
	return records, nil
}

// EventSubscriber returns a telemetry subscriber that appends every
// delivered event to the events table. Write failures are logged.
func (s *SQLiteStore) EventSubscriber(logger *telemetry.Logger) telemetry.EventSubscriber {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return func(event telemetry.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), eventWriteTimeout)
		defer cancel()

		if err := s.AppendEvent(ctx, FromTelemetryEvent(event)); err != nil {
			logger.WithError(err).
				WithField("event_type", event.Type).
				Warn("Failed to persist event")
		}
	}
}

// FromTelemetryEvent converts a published event into its stored form.
func FromTelemetryEvent(event telemetry.Event) *Event {
	data := "{}"
	if len(event.Data) > 0 {
		if raw, err := json.Marshal(event.Data); err == nil {
			data = string(raw)
		}
	}
	return &Event{
		EventID:      event.ID,
		Type:         event.Type,
		Source:       event.Source,
		ControllerID: event.ControllerID,
		OperationID:  event.OperationID,
		InvocationID: event.InvocationID,
		Level:        event.Level,
		Message:      event.Message,
		Data:         data,
		Timestamp:    event.Timestamp,
	}
}
