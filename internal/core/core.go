// Package core is the decision and state heart of the control plane: it owns
// the single write path through the event store, keeps the projection and
// the IP allocator in lock-step, and drives the trust engine and the policy
// compiler.
package core

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/maithanhduyan/zero-trust-netwoking/internal/bus"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/eventstore"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/ipam"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/plan"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/projection"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/token"
	"github.com/maithanhduyan/zero-trust-netwoking/internal/trust"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/errors"
	"github.com/maithanhduyan/zero-trust-netwoking/pkg/models"
)

// Options tunes service behavior.
type Options struct {
	AutoApproveAll   bool
	AutoApproveRoles []models.NodeRole
	HeartbeatNext    time.Duration
	Logger           *slog.Logger

	// OnInvariant is invoked when a write is refused because it would break
	// a committed-state invariant. The default logs; the server bootstrap
	// installs a hook that flushes and exits non-zero.
	OnInvariant func(error)
}

// Service is the single-writer core. All mutations flow through commit so
// the event store, the projection, the allocator, and the bus stay
// consistent.
type Service struct {
	store    eventstore.Store
	proj     *projection.Projection
	alloc    *ipam.Allocator
	bus      *bus.Bus
	trust    *trust.Engine
	synth    *plan.Synthesizer
	tokens   *token.Manager
	opts     Options
	logger   *slog.Logger
	commitMu chan struct{} // buffered-1 semaphore serializing the write path
	now      func() time.Time

	lastExhausted time.Time
}

// NewService wires the core together.
func NewService(store eventstore.Store, proj *projection.Projection, alloc *ipam.Allocator,
	eventBus *bus.Bus, synth *plan.Synthesizer, tokens *token.Manager, opts Options) *Service {

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HeartbeatNext == 0 {
		opts.HeartbeatNext = 30 * time.Second
	}
	if opts.OnInvariant == nil {
		opts.OnInvariant = func(err error) {
			opts.Logger.Error("invariant violated", "error", err)
		}
	}

	return &Service{
		store:    store,
		proj:     proj,
		alloc:    alloc,
		bus:      eventBus,
		trust:    trust.NewEngine(),
		synth:    synth,
		tokens:   tokens,
		opts:     opts,
		logger:   opts.Logger,
		commitMu: make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Start rebuilds the projection and the allocator from the log.
func (s *Service) Start(ctx context.Context) error {
	started := time.Now()
	if err := s.proj.Rebuild(ctx, s.store); err != nil {
		return fmt.Errorf("rebuild projection: %w", err)
	}

	var cursor int64
	for {
		events, err := s.store.ReadRange(ctx, cursor, 1000)
		if err != nil {
			return fmt.Errorf("replay ipam events: %w", err)
		}
		if len(events) == 0 {
			break
		}
		for _, e := range events {
			if e.AggregateType == models.AggregateIPAM {
				if err := s.alloc.Apply(e); err != nil {
					return fmt.Errorf("apply ipam event %d: %w", e.ID, err)
				}
			}
			cursor = e.ID
		}
	}

	s.logger.InfoContext(ctx, "core started",
		"last_event_id", s.proj.LastEventID(),
		"rebuild_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

// Stop closes the event bus.
func (s *Service) Stop(ctx context.Context) error {
	s.bus.Stop()
	return nil
}

// Projection exposes the read models for handlers and the policy evaluator.
func (s *Service) Projection() *projection.Projection { return s.proj }

// Allocator exposes pool statistics for the admin API.
func (s *Service) Allocator() *ipam.Allocator { return s.alloc }

// Store exposes the event log for stream catch-up reads.
func (s *Service) Store() eventstore.Store { return s.store }

// Bus exposes the live event fan-out.
func (s *Service) Bus() *bus.Bus { return s.bus }

// Tokens exposes the token manager.
func (s *Service) Tokens() *token.Manager { return s.tokens }

func (s *Service) lockCommit() func() {
	s.commitMu <- struct{}{}
	return func() { <-s.commitMu }
}

// commit appends one event and folds it into the read models before
// publishing. Version conflicts retry once after re-reading, then surface.
func (s *Service) commit(ctx context.Context, req eventstore.AppendRequest) (*models.Event, error) {
	unlock := s.lockCommit()
	defer unlock()
	return s.commitLocked(ctx, req)
}

func (s *Service) commitLocked(ctx context.Context, req eventstore.AppendRequest) (*models.Event, error) {
	event, err := s.store.Append(ctx, req)
	if err != nil {
		var conflict *errors.VersionConflictError
		if req.ExpectedVersion != eventstore.AnyVersion && stderrorsAs(err, &conflict) {
			req.ExpectedVersion = conflict.Actual
			event, err = s.store.Append(ctx, req)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := s.proj.Apply(event); err != nil {
		return nil, fmt.Errorf("apply event %d: %w", event.ID, err)
	}
	if event.AggregateType == models.AggregateIPAM {
		if err := s.alloc.Apply(event); err != nil {
			return nil, fmt.Errorf("apply ipam event %d: %w", event.ID, err)
		}
	}
	s.bus.Publish(ctx, event)
	return event, nil
}

var hostnameRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// NormalizeHostname lowercases and hyphen-normalizes a hostname, then
// validates it as an RFC 1123 label of at most 63 characters.
func NormalizeHostname(hostname string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(hostname))
	h = strings.NewReplacer("_", "-", " ", "-").Replace(h)
	if !hostnameRE.MatchString(h) {
		return "", errors.NewValidationError("hostname", "must be a valid RFC 1123 label of at most 63 characters")
	}
	return h, nil
}

func stderrorsAs(err error, target any) bool { return stderrors.As(err, target) }

// invariant refuses a write that would break committed state, routing the
// failure to the configured hook.
func (s *Service) invariant(name, detail string) error {
	err := &errors.InvariantError{Invariant: name, Detail: detail}
	s.opts.OnInvariant(err)
	return err
}
