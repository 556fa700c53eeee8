package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/eventstore"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// EventStore is the durable eventstore.Store backed by the event_store
// table. Appends serialize per aggregate through a transactional version
// check.
type EventStore struct {
	db *DB
}

// NewEventStore creates a Postgres-backed event store.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

// Append commits one event with optimistic concurrency.
func (s *EventStore) Append(ctx context.Context, req eventstore.AppendRequest) (*models.Event, error) {
	if req.AggregateID == "" || req.Type == "" {
		return nil, errors.NewValidationError("event", "aggregate id and event type are required")
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", errors.ErrTransient)
	}
	defer func() { _ = tx.Rollback() }()

	if req.ClientRequestID != "" {
		prev, err := s.findByRequestID(ctx, tx, req.AggregateID, req.ClientRequestID)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			return prev, nil
		}
	}

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(aggregate_version), 0) FROM event_store
		 WHERE aggregate_type = $1 AND aggregate_id = $2`,
		req.AggregateType, req.AggregateID,
	).Scan(&current)
	if err != nil {
		return nil, fmt.Errorf("read aggregate version: %w", errors.ErrTransient)
	}

	if req.ExpectedVersion != eventstore.AnyVersion && req.ExpectedVersion != current {
		return nil, &errors.VersionConflictError{
			AggregateType: string(req.AggregateType),
			AggregateID:   req.AggregateID,
			Expected:      req.ExpectedVersion,
			Actual:        current,
		}
	}

	event := &models.Event{
		AggregateType:    req.AggregateType,
		AggregateID:      req.AggregateID,
		AggregateVersion: current + 1,
		Type:             req.Type,
		Payload:          payload,
		Actor:            req.Actor,
		CreatedAt:        time.Now().UTC(),
	}

	var requestID any
	if req.ClientRequestID != "" {
		requestID = req.ClientRequestID
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO event_store
			(aggregate_type, aggregate_id, aggregate_version, event_type, payload, actor, client_request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		event.AggregateType, event.AggregateID, event.AggregateVersion,
		event.Type, event.Payload, event.Actor, requestID, event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		// The unique version index turns concurrent winners into conflicts.
		return nil, &errors.VersionConflictError{
			AggregateType: string(req.AggregateType),
			AggregateID:   req.AggregateID,
			Expected:      req.ExpectedVersion,
			Actual:        current,
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", errors.ErrTransient)
	}
	return event, nil
}

func (s *EventStore) findByRequestID(ctx context.Context, tx *sql.Tx, aggregateID, requestID string) (*models.Event, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, aggregate_type, aggregate_id, aggregate_version, event_type, payload, actor, created_at
		 FROM event_store WHERE aggregate_id = $1 AND client_request_id = $2`,
		aggregateID, requestID,
	)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup request id: %w", errors.ErrTransient)
	}
	return event, nil
}

// ReadRange returns events with id > afterID in id order.
func (s *EventStore) ReadRange(ctx context.Context, afterID int64, limit int) ([]*models.Event, error) {
	query := `SELECT id, aggregate_type, aggregate_id, aggregate_version, event_type, payload, actor, created_at
		 FROM event_store WHERE id > $1 ORDER BY id`
	args := []any{afterID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read range: %w", errors.ErrTransient)
	}
	defer func() { _ = rows.Close() }()

	return collectEvents(rows)
}

// ReadAggregate replays one aggregate in version order.
func (s *EventStore) ReadAggregate(ctx context.Context, typ models.AggregateType, id string) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, aggregate_type, aggregate_id, aggregate_version, event_type, payload, actor, created_at
		 FROM event_store WHERE aggregate_type = $1 AND aggregate_id = $2 ORDER BY aggregate_version`,
		typ, id,
	)
	if err != nil {
		return nil, fmt.Errorf("read aggregate: %w", errors.ErrTransient)
	}
	defer func() { _ = rows.Close() }()

	return collectEvents(rows)
}

// LastID returns the highest committed event id.
func (s *EventStore) LastID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM event_store`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("read last id: %w", errors.ErrTransient)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	event := &models.Event{}
	var payload []byte
	err := row.Scan(&event.ID, &event.AggregateType, &event.AggregateID,
		&event.AggregateVersion, &event.Type, &payload, &event.Actor, &event.CreatedAt)
	if err != nil {
		return nil, err
	}
	event.Payload = json.RawMessage(payload)
	return event, nil
}

func collectEvents(rows *sql.Rows) ([]*models.Event, error) {
	var out []*models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", errors.ErrTransient)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", errors.ErrTransient)
	}
	return out, nil
}
