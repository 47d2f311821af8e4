// Package scheduler is the Distributed Scheduler (C5): a ticker-driven
// sweep that claims eligible loaders across replicas via row-level
// pessimistic locks, enforces per-entity_code parallelism caps, dispatches
// claimed rows onto a bounded worker pool, and persists the executor's
// outcome. Structured after
// telemetry/global-monitor/internal/gm.Runner's ticker Run/tick loop, with
// dispatch onto a github.com/alitto/pond/v2 ResultPool the way
// controlplane/telemetry/internal/data/internet/latencies.go fans out onto
// its pool via NewGroupContext/SubmitErr/Wait.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/loadctl/internal/clock"
	"github.com/malbeclabs/loadctl/internal/domain"
	"github.com/malbeclabs/loadctl/internal/executor"
	"github.com/malbeclabs/loadctl/internal/versionstore"
)

// Executor is the subset of executor.Executor the scheduler needs.
type Executor interface {
	Run(ctx context.Context, l domain.Loader) executor.Outcome
}

// Config configures a Scheduler.
type Config struct {
	Logger            *slog.Logger
	Clock             *clock.Clock
	Pool              *pgxpool.Pool
	Versions          *versionstore.Store
	Executor          Executor
	Metrics           *Metrics
	SweepInterval     time.Duration
	MaxClaimsPerSweep int
	MaxConcurrency    int
	ExecutionTimeout  time.Duration

	// AutoRecoverAfter is how long a FAILED loader sits before the sweep
	// resets it to IDLE (failure_auto_recovery_minutes). Zero uses
	// defaultAutoRecoverAfter.
	AutoRecoverAfter time.Duration
}

func (c *Config) setDefaults() {
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MaxClaimsPerSweep == 0 {
		c.MaxClaimsPerSweep = 50
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 8
	}
	if c.ExecutionTimeout == 0 {
		c.ExecutionTimeout = 10 * time.Minute
	}
	if c.AutoRecoverAfter == 0 {
		c.AutoRecoverAfter = defaultAutoRecoverAfter
	}
}

func (c Config) validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Clock == nil {
		return fmt.Errorf("clock is required")
	}
	if c.Pool == nil {
		return fmt.Errorf("pool is required")
	}
	if c.Versions == nil {
		return fmt.Errorf("versions is required")
	}
	if c.Executor == nil {
		return fmt.Errorf("executor is required")
	}
	if c.Metrics == nil {
		return fmt.Errorf("metrics is required")
	}
	return nil
}

// Scheduler runs the sweep loop on one replica.
type Scheduler struct {
	log     *slog.Logger
	cfg     Config
	workers pond.ResultPool[struct{}]

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// New constructs a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return &Scheduler{
		log:      cfg.Logger,
		cfg:      cfg,
		workers:  pond.NewResultPool[struct{}](cfg.MaxConcurrency),
		inFlight: make(map[int64]struct{}),
	}, nil
}

func (s *Scheduler) trackInFlight(id int64) {
	s.mu.Lock()
	s.inFlight[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) untrackInFlight(id int64) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// inFlightIDs snapshots the ids this replica currently holds RUNNING.
func (s *Scheduler) inFlightIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// Run drives the sweep loop until ctx is canceled, mirroring
// gm.Runner.Run's ticker-driven tick/select loop. On cancellation, any
// rows this replica still holds RUNNING are reset to IDLE so another
// replica can pick them up immediately rather than waiting out the
// 20-minute auto-recovery window.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.cfg.Clock.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.log.Info("scheduler: starting", "sweepInterval", s.cfg.SweepInterval, "maxConcurrency", s.cfg.MaxConcurrency)

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler: context done, draining in-flight executions", "reason", ctx.Err())
			released := s.inFlightIDs()
			s.workers.StopAndWait()
			if len(released) > 0 {
				if err := releaseRunning(context.Background(), s.cfg.Pool, released); err != nil {
					s.log.Error("scheduler: failed to release in-flight rows on shutdown", "error", err)
				}
			}
			return nil
		case <-ticker.Chan():
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	startedAt := s.cfg.Clock.NowUTC()
	defer func() {
		s.cfg.Metrics.SweepDuration.Observe(time.Since(startedAt).Seconds())
	}()

	claimed, err := claimEligible(ctx, s.cfg.Pool, startedAt, s.cfg.MaxClaimsPerSweep, s.cfg.AutoRecoverAfter)
	if err != nil {
		s.log.Error("scheduler: sweep: claim failed", "error", err)
		return
	}

	s.cfg.Metrics.Claims.Add(float64(len(claimed)))
	if len(claimed) == 0 {
		return
	}
	s.log.Info("scheduler: claimed loaders", "count", len(claimed))

	for _, l := range claimed {
		l := l
		s.trackInFlight(l.ID)
		s.workers.SubmitErr(func() (struct{}, error) {
			s.runOne(ctx, l)
			return struct{}{}, nil
		})
	}
}

// Dispatch submits an already-claimed (RUNNING) loader for asynchronous
// execution on the worker pool. Used by internal/control's RunNow for an
// operator-triggered immediate claim attempt, outside the regular sweep
// cadence.
func (s *Scheduler) Dispatch(ctx context.Context, l domain.Loader) {
	s.trackInFlight(l.ID)
	s.workers.SubmitErr(func() (struct{}, error) {
		s.runOne(ctx, l)
		return struct{}{}, nil
	})
}

// Drain stops accepting new work and blocks until every dispatched
// execution finishes. Used by loadctl-ctl's one-shot run-now invocation,
// which has no ongoing sweep loop to keep the process alive otherwise.
func (s *Scheduler) Drain() {
	s.workers.StopAndWait()
}

// ClaimForRunNow attempts an immediate, out-of-cadence claim of
// entityCode's ACTIVE row, bypassing the interval predicate (which only
// gates the regular sweep's candidate scan, per spec.md §6 "run now:
// enqueue immediate claim attempt"). It still honors IsEligible
// (enabled/ACTIVE/IDLE) and the parallelism cap via the same claimOne path
// the sweep uses.
func (s *Scheduler) ClaimForRunNow(ctx context.Context, id int64) (domain.Loader, bool, error) {
	return claimOne(ctx, s.cfg.Pool, id)
}

// runOne runs a single claimed loader to completion and persists its
// outcome. Executed on a worker goroutine; errors are logged, never
// returned, since the scheduler's dispatch loop is fire-and-forget per
// claimed row.
func (s *Scheduler) runOne(ctx context.Context, l domain.Loader) {
	defer s.untrackInFlight(l.ID)

	execID := uuid.New()
	startedAt := s.cfg.Clock.NowUTC()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	defer cancel()

	outcome := s.cfg.Executor.Run(runCtx, l)
	finishedAt := s.cfg.Clock.NowUTC()

	if outcome.Success {
		s.cfg.Metrics.Executions.WithLabelValues("success").Inc()
		update := versionstore.WatermarkUpdate{
			LoadStatus:                domain.LoadStatusIdle,
			LastLoadTimestamp:         &outcome.LastLoadTimestamp,
			LastSuccessTimestamp:      &outcome.LastSuccessTimestamp,
			ConsecutiveZeroRecordRuns: outcome.ConsecutiveZeroRecordRuns,
		}
		if err := s.cfg.Versions.ApplyWatermarkUpdate(ctx, l.ID, update); err != nil {
			s.log.Error("scheduler: failed to persist success outcome", "entity_code", l.EntityCode, "error", err)
		}
	} else {
		s.cfg.Metrics.Executions.WithLabelValues("failure").Inc()
		failedSince := finishedAt
		update := versionstore.WatermarkUpdate{
			LoadStatus:                domain.LoadStatusFailed,
			LastLoadTimestamp:         l.LastLoadTimestamp,
			LastSuccessTimestamp:      l.LastSuccessTimestamp,
			FailedSince:               &failedSince,
			ConsecutiveZeroRecordRuns: l.ConsecutiveZeroRecordRuns,
		}
		if err := s.cfg.Versions.ApplyWatermarkUpdate(ctx, l.ID, update); err != nil {
			s.log.Error("scheduler: failed to persist failure outcome", "entity_code", l.EntityCode, "error", err)
		}
		s.log.Warn("scheduler: execution failed", "entity_code", l.EntityCode, "kind", outcome.ErrorKind, "error", outcome.ErrorMessage)
	}

	if err := insertExecutionLog(ctx, s.cfg.Pool, executionLogEntry{
		ID:            execID,
		EntityCode:    l.EntityCode,
		VersionNumber: l.VersionNumber,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		FromTimestamp: startedAt,
		ToTimestamp:   finishedAt,
		RowCount:      outcome.RowCount,
		Success:       outcome.Success,
		ErrorKind:     outcome.ErrorKind,
		ErrorMessage:  outcome.ErrorMessage,
	}); err != nil {
		s.log.Error("scheduler: failed to write execution log", "entity_code", l.EntityCode, "error", err)
	}
}
