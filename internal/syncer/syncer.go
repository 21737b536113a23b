// Package syncer keeps the flag store in step with the remote flag service.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/store"
	"github.com/matt-riley/flagkit/internal/tracing"
)

const (
	DefaultInterval   = 5 * time.Minute
	MinInterval       = 30 * time.Second
	bestEffortTimeout = 2 * time.Second
)

// ErrCircuitOpen is returned when the gate refuses a fetch.
var ErrCircuitOpen = errors.New("syncer: circuit breaker open")

// Fetcher retrieves the full flag set from upstream.
type Fetcher interface {
	FetchFlags(ctx context.Context) (core.FlagSet, error)
}

// Gate decides whether an outbound call may proceed and learns its outcome.
type Gate interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
}

// Snapshotter persists the last good flag set so a restart can serve flags
// before the first fetch completes.
type Snapshotter interface {
	SaveFlags(ctx context.Context, environment string, flags []core.Flag) error
	LoadFlags(ctx context.Context, environment string) ([]core.Flag, error)
}

// Option configures a Syncer.
type Option func(*Syncer)

func WithInterval(d time.Duration) Option {
	return func(s *Syncer) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithChangeHandler registers fn to receive one call per changed flag.
// Panics in fn are recovered and logged.
func WithChangeHandler(fn func(store.ChangeEvent)) Option {
	return func(s *Syncer) {
		s.onChange = fn
	}
}

func WithSnapshotter(snapshots Snapshotter, environment string) Option {
	return func(s *Syncer) {
		s.snapshots = snapshots
		s.environment = environment
	}
}

// WithSyncHook registers fn to observe every sync attempt.
func WithSyncHook(fn func(changes int, err error)) Option {
	return func(s *Syncer) {
		s.onSync = fn
	}
}

type Syncer struct {
	store       *store.Store
	fetcher     Fetcher
	gate        Gate
	interval    time.Duration
	logger      *slog.Logger
	onChange    func(store.ChangeEvent)
	onSync      func(changes int, err error)
	snapshots   Snapshotter
	environment string

	mu       sync.RWMutex
	lastSync time.Time
	envInfo  map[string]any
}

func New(flags *store.Store, fetcher Fetcher, gate Gate, opts ...Option) *Syncer {
	s := &Syncer{
		store:    flags,
		fetcher:  fetcher,
		gate:     gate,
		interval: DefaultInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initial performs the first fetch. A non-empty result replaces the whole
// cache; an empty one leaves bootstrap or snapshot flags in place.
func (s *Syncer) Initial(ctx context.Context) error {
	_, err := s.sync(ctx, true)
	return err
}

// SyncOnce fetches the flag set and merges it into the store, returning the
// changes it applied. On failure the cache is left untouched.
func (s *Syncer) SyncOnce(ctx context.Context) ([]store.ChangeEvent, error) {
	return s.sync(ctx, false)
}

// Run polls upstream every interval until ctx is done. Failed iterations are
// logged and never stop the loop.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// WarmStart loads the persisted snapshot into an empty store. It reports how
// many flags were loaded.
func (s *Syncer) WarmStart(ctx context.Context) (int, error) {
	if s.snapshots == nil || s.store.Len() > 0 {
		return 0, nil
	}
	flags, err := s.snapshots.LoadFlags(ctx, s.environment)
	if err != nil {
		return 0, fmt.Errorf("load flag snapshot: %w", err)
	}
	if len(flags) > 0 {
		s.store.ReplaceAll(flags)
	}
	return len(flags), nil
}

func (s *Syncer) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// Environment returns a copy of the environment object from the last fetch.
func (s *Syncer) Environment() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.envInfo)
}

func (s *Syncer) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("flag sync panicked", "panic", r)
		}
	}()

	changes, err := s.SyncOnce(ctx)
	switch {
	case err == nil:
		s.logger.Debug("flags synced", "changes", len(changes), "flags", s.store.Len())
	case errors.Is(err, ErrCircuitOpen):
		s.logger.Debug("flag sync skipped", "reason", "circuit breaker open")
	case ctx.Err() != nil:
		// shutting down
	default:
		s.logger.Warn("flag sync failed; serving cached flags", "error", err, "flags", s.store.Len())
	}
}

func (s *Syncer) sync(ctx context.Context, replace bool) (changes []store.ChangeEvent, err error) {
	ctx, span := tracing.Start(ctx, "flagkit.sync", attribute.Bool("flagkit.replace", replace))
	defer func() {
		span.SetAttributes(attribute.Int("flagkit.changes", len(changes)))
		tracing.End(span, err)
	}()

	if s.gate != nil && !s.gate.Allow() {
		s.observe(0, ErrCircuitOpen)
		return nil, ErrCircuitOpen
	}

	set, err := s.fetch(ctx)
	if err != nil {
		if s.gate != nil {
			s.gate.RecordFailure()
		}
		s.observe(0, err)
		return nil, fmt.Errorf("fetch flags: %w", err)
	}
	if s.gate != nil {
		s.gate.RecordSuccess()
	}

	if replace && len(set.Flags) > 0 {
		s.store.ReplaceAll(set.Flags)
	} else {
		changes = s.store.MergeUpdate(set.Flags)
	}

	s.mu.Lock()
	s.lastSync = time.Now().UTC()
	if set.Environment != nil {
		s.envInfo = maps.Clone(set.Environment)
	}
	s.mu.Unlock()

	for _, change := range changes {
		s.notify(change)
	}
	s.saveSnapshotBestEffort(ctx)
	s.observe(len(changes), nil)
	return changes, nil
}

// fetch turns a panicking fetcher into an error so the gate admission that
// preceded it is always answered.
func (s *Syncer) fetch(ctx context.Context) (set core.FlagSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetcher panicked: %v", r)
		}
	}()
	return s.fetcher.FetchFlags(ctx)
}

func (s *Syncer) notify(change store.ChangeEvent) {
	if s.onChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("flag change handler panicked", "flag", change.Name, "panic", r)
		}
	}()
	s.onChange(change)
}

func (s *Syncer) saveSnapshotBestEffort(ctx context.Context) {
	if s.snapshots == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.snapshots.SaveFlags(saveCtx, s.environment, s.store.SnapshotAll()); err != nil {
		s.logger.Warn("save flag snapshot failed", "error", err)
	}
}

func (s *Syncer) observe(changes int, err error) {
	if s.onSync != nil {
		s.onSync(changes, err)
	}
}
