// Package eventstore implements the append-only domain event log.
package eventstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// AnyVersion disables the optimistic concurrency check for an append.
const AnyVersion int64 = -1

// AppendRequest describes one event to commit.
type AppendRequest struct {
	AggregateType models.AggregateType
	AggregateID   string
	Type          models.EventType
	Payload       any
	Actor         string

	// ExpectedVersion must equal the aggregate's current version or the
	// append is rejected with a VersionConflictError. AnyVersion skips the
	// check.
	ExpectedVersion int64

	// ClientRequestID makes the append idempotent: a duplicate submission
	// for the same aggregate returns the previously committed event.
	ClientRequestID string
}

// Store is the append-only ordered log of domain events.
type Store interface {
	// Append commits one event. The returned event carries its assigned
	// global id and aggregate version.
	Append(ctx context.Context, req AppendRequest) (*models.Event, error)

	// ReadRange returns up to limit events with id > afterID in id order.
	ReadRange(ctx context.Context, afterID int64, limit int) ([]*models.Event, error)

	// ReadAggregate replays every event of one aggregate in version order.
	ReadAggregate(ctx context.Context, typ models.AggregateType, id string) ([]*models.Event, error)

	// LastID returns the highest committed event id, 0 when empty.
	LastID(ctx context.Context) (int64, error)
}

// MemoryStore is the in-process Store. It is the unit-test backend and the
// default for single-process deployments without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []*models.Event
	versions map[string]int64 // aggregateType/aggregateID -> current version
	requests map[string]int64 // aggregateID + "\x00" + clientRequestID -> event id
	byID     map[int64]*models.Event
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string]int64),
		requests: make(map[string]int64),
		byID:     make(map[int64]*models.Event),
		now:      time.Now,
	}
}

func aggregateKey(typ models.AggregateType, id string) string {
	return string(typ) + "/" + id
}

func requestKey(aggregateID, requestID string) string {
	return aggregateID + "\x00" + requestID
}

// Append commits one event under the store lock, serializing writers.
func (s *MemoryStore) Append(ctx context.Context, req AppendRequest) (*models.Event, error) {
	if req.AggregateID == "" || req.Type == "" {
		return nil, errors.NewValidationError("event", "aggregate id and event type are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ClientRequestID != "" {
		if id, ok := s.requests[requestKey(req.AggregateID, req.ClientRequestID)]; ok {
			return s.byID[id], nil
		}
	}

	key := aggregateKey(req.AggregateType, req.AggregateID)
	current := s.versions[key]
	if req.ExpectedVersion != AnyVersion && req.ExpectedVersion != current {
		return nil, &errors.VersionConflictError{
			AggregateType: string(req.AggregateType),
			AggregateID:   req.AggregateID,
			Expected:      req.ExpectedVersion,
			Actual:        current,
		}
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, err
	}

	event := &models.Event{
		ID:               int64(len(s.events)) + 1,
		AggregateType:    req.AggregateType,
		AggregateID:      req.AggregateID,
		AggregateVersion: current + 1,
		Type:             req.Type,
		Payload:          payload,
		Actor:            req.Actor,
		CreatedAt:        s.now().UTC(),
	}

	s.events = append(s.events, event)
	s.versions[key] = event.AggregateVersion
	s.byID[event.ID] = event
	if req.ClientRequestID != "" {
		s.requests[requestKey(req.AggregateID, req.ClientRequestID)] = event.ID
	}

	return event, nil
}

// ReadRange returns events with id > afterID, at most limit (0 = no limit).
func (s *MemoryStore) ReadRange(ctx context.Context, afterID int64, limit int) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := int(afterID)
	if start > len(s.events) {
		return nil, nil
	}
	tail := s.events[start:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]*models.Event, len(tail))
	copy(out, tail)
	return out, nil
}

// ReadAggregate replays one aggregate in version order.
func (s *MemoryStore) ReadAggregate(ctx context.Context, typ models.AggregateType, id string) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Event
	for _, e := range s.events {
		if e.AggregateType == typ && e.AggregateID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

// LastID returns the highest committed event id.
func (s *MemoryStore) LastID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events)), nil
}

// Version returns the current version of one aggregate, 0 when unseen.
func (s *MemoryStore) Version(typ models.AggregateType, id string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[aggregateKey(typ, id)]
}
