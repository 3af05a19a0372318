// Package reload periodically rebuilds the auxiliary auth sources. At most one
// reload runs at a time; a tick that finds a reload in progress is dropped.
package reload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/authsourced/internal/authsource"
	"github.com/isometry/authsourced/internal/ldap"
	"github.com/isometry/authsourced/internal/registry"
)

// Scheduling defaults.
const (
	DefaultInitialDelay = 60 * time.Second
	DefaultInterval     = 30 * time.Second
	DefaultRetireGrace  = 5 * time.Minute
)

// ErrReloadInProgress is returned by Reload when another reload holds the guard.
var ErrReloadInProgress = errors.New("reload already in progress")

// ReloadError describes a failed reload cycle. The published sources are unchanged.
type ReloadError struct {
	CycleID string
	Stage   string
	Err     error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("auth source reload %s failed during %s: %v", e.CycleID, e.Stage, e.Err)
}

func (e *ReloadError) Unwrap() error {
	return e.Err
}

// ConfigLoader loads the current auth source definitions.
type ConfigLoader interface {
	LoadAll(ctx context.Context) ([]authsource.LdapAuthConfig, error)
}

// PoolBuilder builds the lookup and bind pools for one directory.
type PoolBuilder interface {
	CreatePoolPair(ctx context.Context, props ldap.ConnectionProperties) ldap.PoolPair
}

// Publisher receives a completed reload and hands back the sources it replaced.
type Publisher interface {
	PublishAuxiliary(configs []authsource.LdapAuthConfig, pools []ldap.PoolPair) (*registry.AuxiliarySources, error)
}

// retiredPools are replaced pools waiting for in-flight readers to finish.
type retiredPools struct {
	pairs []ldap.PoolPair
	due   time.Time
}

// Scheduler runs reload cycles.
type Scheduler struct {
	loader    ConfigLoader
	pools     PoolBuilder
	publisher Publisher
	base      ldap.ConnectionProperties
	metrics   *Metrics

	initialDelay time.Duration
	interval     time.Duration
	retireGrace  time.Duration

	retireMu sync.Mutex
	retired  []retiredPools

	running      atomic.Bool
	lastFinished atomic.Int64
	ticks        sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInitialDelay sets the delay before the first periodic tick.
func WithInitialDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		s.initialDelay = d
	}
}

// WithInterval sets the period between ticks.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithRetireGrace sets how long replaced pools stay open before they are
// closed. Zero closes them as soon as the replacement is published.
func WithRetireGrace(d time.Duration) Option {
	return func(s *Scheduler) {
		s.retireGrace = max(d, 0)
	}
}

// WithMetrics records reload outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// New creates a scheduler. base holds the connection properties each auth
// source's properties are derived from.
func New(loader ConfigLoader, pools PoolBuilder, publisher Publisher, base ldap.ConnectionProperties, opts ...Option) *Scheduler {
	s := &Scheduler{
		loader:       loader,
		pools:        pools,
		publisher:    publisher,
		base:         base.Clone(),
		initialDelay: DefaultInitialDelay,
		interval:     DefaultInterval,
		retireGrace:  DefaultRetireGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick runs one reload cycle unless one is already running, in which case it
// returns immediately. Failures are logged; the published sources are kept.
func (s *Scheduler) Tick(ctx context.Context) {
	if err := s.Reload(ctx); err != nil && !errors.Is(err, ErrReloadInProgress) {
		var reloadErr *ReloadError
		fields := map[string]any{"error": err.Error()}
		if errors.As(err, &reloadErr) {
			fields["cycle_id"] = reloadErr.CycleID
			fields["stage"] = reloadErr.Stage
		}
		tflog.SubsystemError(ctx, "reload", "Auth source reload failed, keeping previous configuration", fields)
	}
}

// Reload runs one guarded reload cycle and publishes the result on success.
// It returns ErrReloadInProgress without side effects when the guard is held.
func (s *Scheduler) Reload(ctx context.Context) error {
	if s.running.Load() || !s.running.CompareAndSwap(false, true) {
		s.metrics.skipped()
		return ErrReloadInProgress
	}
	defer func() {
		s.lastFinished.Store(time.Now().UnixNano())
		s.running.Store(false)
	}()

	cycleID := uuid.NewString()
	ctx = tflog.SubsystemSetField(ctx, "reload", "cycle_id", cycleID)

	start := time.Now()
	pairs, err := s.cycle(ctx, cycleID)
	elapsed := time.Since(start)
	s.closeRetired(ctx, time.Now())

	if err != nil {
		s.metrics.failed(elapsed.Seconds())
		return err
	}

	s.metrics.succeeded(elapsed.Seconds(), pairs)
	tflog.SubsystemInfo(ctx, "reload", "Auth sources reloaded", map[string]any{
		"auth_sources": len(pairs),
		"duration_ms":  elapsed.Milliseconds(),
	})
	return nil
}

// cycle loads, builds and publishes. Panics are converted to a ReloadError.
func (s *Scheduler) cycle(ctx context.Context, cycleID string) (pairs []ldap.PoolPair, err error) {
	stage := "load"
	defer func() {
		if r := recover(); r != nil {
			if stage == "build" {
				closePairs(ctx, pairs)
			}
			pairs = nil
			err = &ReloadError{CycleID: cycleID, Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	configs, err := s.loader.LoadAll(ctx)
	if err != nil {
		return nil, &ReloadError{CycleID: cycleID, Stage: stage, Err: err}
	}

	stage = "build"
	pairs = make([]ldap.PoolPair, len(configs))
	for i := range configs {
		props := authsource.ConnectionProperties(s.base, &configs[i])
		pairs[i] = s.pools.CreatePoolPair(ctx, props)

		if !pairs[i].OK() {
			tflog.SubsystemWarn(ctx, "reload", "Auth source pools not fully available", map[string]any{
				"config_id":     configs[i].ConfigID,
				"servers":       props.Get(ldap.PropServers),
				"lookup_status": pairs[i].Lookup.Status().String(),
				"bind_status":   pairs[i].Bind.Status().String(),
			})
		}
	}

	stage = "publish"
	previous, err := s.publisher.PublishAuxiliary(configs, pairs)
	if err != nil {
		closePairs(ctx, pairs)
		return nil, &ReloadError{CycleID: cycleID, Stage: stage, Err: err}
	}
	if previous != nil {
		s.retire(previous.Pools)
	}

	return pairs, nil
}

// retire schedules replaced pools for closing once the grace period elapses.
func (s *Scheduler) retire(pairs []ldap.PoolPair) {
	s.retireMu.Lock()
	defer s.retireMu.Unlock()
	s.retired = append(s.retired, retiredPools{pairs: pairs, due: time.Now().Add(s.retireGrace)})
}

// closeRetired closes the retired pools due at or before now.
func (s *Scheduler) closeRetired(ctx context.Context, now time.Time) {
	s.retireMu.Lock()
	var due []retiredPools
	kept := s.retired[:0]
	for _, r := range s.retired {
		if r.due.After(now) {
			kept = append(kept, r)
		} else {
			due = append(due, r)
		}
	}
	clear(s.retired[len(kept):])
	s.retired = kept
	s.retireMu.Unlock()

	for _, r := range due {
		closePairs(ctx, r.pairs)
	}
	if len(due) > 0 {
		tflog.SubsystemDebug(ctx, "reload", "Closed replaced auth source pools", map[string]any{
			"generations": len(due),
		})
	}
}

// Retired returns the number of replaced pool pairs not yet closed.
func (s *Scheduler) Retired() int {
	s.retireMu.Lock()
	defer s.retireMu.Unlock()
	n := 0
	for _, r := range s.retired {
		n += len(r.pairs)
	}
	return n
}

// Close closes every retired pool regardless of its grace period. The
// currently published pools are left open.
func (s *Scheduler) Close(ctx context.Context) {
	s.closeRetired(ctx, time.Now().Add(s.retireGrace))
}

func closePairs(ctx context.Context, pairs []ldap.PoolPair) {
	for _, pair := range pairs {
		for _, pool := range []*ldap.Pool{pair.Lookup, pair.Bind} {
			if err := pool.Close(); err != nil {
				tflog.SubsystemWarn(ctx, "reload", "Failed to close replaced pool", map[string]any{
					"error": err.Error(),
				})
			}
		}
	}
}

// Run ticks after the initial delay and then every interval until ctx is
// cancelled. Each tick runs on its own goroutine. Run waits for in-flight ticks
// before returning.
func (s *Scheduler) Run(ctx context.Context) {
	tflog.SubsystemDebug(ctx, "reload", "Starting reload scheduler", map[string]any{
		"initial_delay": s.initialDelay.String(),
		"interval":      s.interval.String(),
	})
	defer s.ticks.Wait()

	timer := time.NewTimer(s.initialDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		s.ticks.Go(func() { s.Tick(ctx) })
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			tflog.SubsystemDebug(ctx, "reload", "Reload scheduler stopping")
			return
		case <-ticker.C:
			s.ticks.Go(func() { s.Tick(ctx) })
		}
	}
}

// InProgress reports whether a reload is running.
func (s *Scheduler) InProgress() bool {
	return s.running.Load()
}

// LastFinished returns when the last reload cycle ended, successful or not.
func (s *Scheduler) LastFinished() time.Time {
	ns := s.lastFinished.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
