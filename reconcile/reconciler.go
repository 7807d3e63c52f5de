// Package reconcile adopts the relay's room snapshot on every join and
// replays the optimistic mutations the relay has not confirmed yet.
//
// The snapshot is authoritative: every collection in the store is replaced,
// never merged. Pending mutations are then replayed on top of it unless they
// expired, were made against another landscape, or their target is gone.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/james226/collab-session/metrics"
	"github.com/james226/collab-session/protocol"
	"github.com/james226/collab-session/room"
)

// ErrReconciliationConflict reports a mutation that cannot be replayed
// against the new snapshot. Such mutations are discarded, never retried.
var ErrReconciliationConflict = errors.New("reconcile: mutation conflicts with snapshot")

// ConflictError names the discarded mutation.
type ConflictError struct {
	Key    string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reconcile: %s: %s", e.Key, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrReconciliationConflict }

func conflict(key, reason string) error {
	return &ConflictError{Key: key, Reason: reason}
}

// Result describes one reconciliation.
type Result struct {
	Change room.Change

	// Replayed are the outbound messages of the replayed mutations, in the
	// order they were originally made.
	Replayed []protocol.Message

	Expired   []Mutation
	Conflicts []error
}

// Reconciler owns the join-time replacement of a store.
type Reconciler struct {
	store   *room.Store
	logger  *slog.Logger
	metrics *metrics.Client
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records conflicts and replays.
func WithMetrics(m *metrics.Client) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// New returns a reconciler for store.
func New(store *room.Store, opts ...Option) *Reconciler {
	r := &Reconciler{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconciler")
	return r
}

// Reconcile replaces the store's contents with the snapshot in join and then
// replays the live mutations in pending. pending may be nil.
func (r *Reconciler) Reconcile(join *protocol.SelfConnected, pending *Pending) Result {
	var result Result
	result.Change = r.store.Replace(join.Self, join.Users, join.Snapshot)

	if pending == nil {
		return result
	}

	live, expired := pending.take()
	result.Expired = expired
	for _, m := range expired {
		r.logger.Debug("discarding expired mutation", "key", m.Key())
	}

	token := join.Snapshot.Landscape.LandscapeToken
	for _, e := range live {
		key := e.mutation.Key()
		if e.landscape != token {
			err := conflict(key, fmt.Sprintf("landscape changed from %q to %q", e.landscape, token))
			r.discard(pending, e, err, &result)
			continue
		}

		out, err := e.mutation.Replay(r.store, join.Self.ID)
		if err != nil {
			r.discard(pending, e, err, &result)
			continue
		}
		pending.rearm(key, e.seq, token)
		result.Replayed = append(result.Replayed, out)
		r.metrics.MutationReplayed()
	}

	if len(result.Replayed) > 0 || len(result.Conflicts) > 0 {
		r.logger.Info("reconciled room",
			"room", join.RoomID,
			"replayed", len(result.Replayed),
			"conflicts", len(result.Conflicts),
			"expired", len(result.Expired),
		)
	}
	return result
}

func (r *Reconciler) discard(pending *Pending, e entry, err error, result *Result) {
	pending.drop(e.mutation.Key(), e.seq)
	result.Conflicts = append(result.Conflicts, err)
	r.metrics.ReconciliationConflict()
	r.logger.Warn("discarding optimistic mutation", "key", e.mutation.Key(), "error", err)
}
