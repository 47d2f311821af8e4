// Package control is the Control Service (A6): the operation surface
// spec.md §6 describes as external REST contracts, exposed here as plain
// Go methods with no transport layer (HTTP/REST is explicitly out of
// scope — see SPEC_FULL.md). It composes the Version Store, Approval
// State Machine, Archive Store, and Scheduler behind one façade, the way
// lake/pkg/indexer.Indexer composes its sub-collectors behind one
// Config/Validate/New constructor.
package control

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/loadctl/internal/approval"
	"github.com/malbeclabs/loadctl/internal/archivestore"
	"github.com/malbeclabs/loadctl/internal/domain"
	"github.com/malbeclabs/loadctl/internal/scheduler"
	"github.com/malbeclabs/loadctl/internal/versionstore"
)

// Dispatcher is the subset of *scheduler.Scheduler RunNow needs.
type Dispatcher interface {
	ClaimForRunNow(ctx context.Context, id int64) (domain.Loader, bool, error)
	Dispatch(ctx context.Context, l domain.Loader)
}

// Filter re-exports versionstore.Filter as the ListLoaders projection
// filter (spec.md §6: "filters: status, enabled, search").
type Filter = versionstore.Filter

// CreateDraftRequest is the payload for CreateDraft.
type CreateDraftRequest struct {
	EntityCode                string
	SourceDBRef               string
	SQLText                   domain.EncryptedSQL
	MinIntervalSeconds        int64
	MaxIntervalSeconds        int64
	MaxQueryPeriodSeconds     int64
	MaxParallelExecutions     int
	SourceTimezoneOffsetHours int
	PurgeStrategy             domain.PurgeStrategy
	ChangeType                string
	ChangeSummary             string
	ImportLabel               string
	User                      string
}

// UpdateDraftRequest carries the mutable subset of a draft's fields; a nil
// pointer leaves the field unchanged.
type UpdateDraftRequest struct {
	SourceDBRef               *string
	SQLText                   domain.EncryptedSQL
	MinIntervalSeconds        *int64
	MaxIntervalSeconds        *int64
	MaxQueryPeriodSeconds     *int64
	MaxParallelExecutions     *int
	SourceTimezoneOffsetHours *int
	PurgeStrategy             *domain.PurgeStrategy
	ChangeSummary             *string
	User                      string
}

// Service is the Control Service façade.
type Service struct {
	pool       *pgxpool.Pool
	versions   *versionstore.Store
	archives   *archivestore.Store
	approval   *approval.State
	dispatcher Dispatcher
}

// Config configures a Service.
type Config struct {
	Pool       *pgxpool.Pool
	Versions   *versionstore.Store
	Archives   *archivestore.Store
	Approval   *approval.State
	Dispatcher Dispatcher
}

func (c Config) validate() error {
	if c.Pool == nil {
		return fmt.Errorf("pool is required")
	}
	if c.Versions == nil {
		return fmt.Errorf("versions is required")
	}
	if c.Archives == nil {
		return fmt.Errorf("archives is required")
	}
	if c.Approval == nil {
		return fmt.Errorf("approval is required")
	}
	if c.Dispatcher == nil {
		return fmt.Errorf("dispatcher is required")
	}
	return nil
}

// New constructs a Service.
func New(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	return &Service{
		pool:       cfg.Pool,
		versions:   cfg.Versions,
		archives:   cfg.Archives,
		approval:   cfg.Approval,
		dispatcher: cfg.Dispatcher,
	}, nil
}

// ListLoaders projects the ACTIVE rows matching filter, each annotated
// with whether a draft also exists.
func (s *Service) ListLoaders(ctx context.Context, filter Filter) ([]domain.LoaderView, error) {
	actives, err := s.versions.ListActive(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("control: list loaders: %w", err)
	}

	views := make([]domain.LoaderView, 0, len(actives))
	for _, a := range actives {
		_, err := s.versions.FindDraft(ctx, a.EntityCode)
		hasDraft := err == nil
		if err != nil && err != domain.ErrNotFound {
			return nil, fmt.Errorf("control: list loaders: check draft: %w", err)
		}
		views = append(views, domain.LoaderView{Loader: a, HasDraft: hasDraft})
	}
	return views, nil
}

// GetLoader returns the ACTIVE projection for entityCode, or the draft
// projection when includeDraft is true and the entity has no ACTIVE row.
func (s *Service) GetLoader(ctx context.Context, entityCode string, includeDraft bool) (domain.LoaderView, error) {
	active, err := s.versions.FindActive(ctx, entityCode)
	if err == nil {
		_, draftErr := s.versions.FindDraft(ctx, entityCode)
		return domain.LoaderView{Loader: active, HasDraft: draftErr == nil}, nil
	}
	if err != domain.ErrNotFound {
		return domain.LoaderView{}, fmt.Errorf("control: get loader: %w", err)
	}
	if !includeDraft {
		return domain.LoaderView{}, domain.ErrNotFound
	}

	draft, err := s.versions.FindDraft(ctx, entityCode)
	if err != nil {
		return domain.LoaderView{}, err
	}
	return domain.LoaderView{Loader: draft, HasDraft: true}, nil
}

// CreateDraft creates a new DRAFT version for req.EntityCode.
func (s *Service) CreateDraft(ctx context.Context, req CreateDraftRequest) (domain.Loader, error) {
	l := domain.Loader{
		EntityCode:                req.EntityCode,
		SourceDBRef:               req.SourceDBRef,
		SQLText:                   req.SQLText,
		MinIntervalSeconds:        req.MinIntervalSeconds,
		MaxIntervalSeconds:        req.MaxIntervalSeconds,
		MaxQueryPeriodSeconds:     req.MaxQueryPeriodSeconds,
		MaxParallelExecutions:     req.MaxParallelExecutions,
		SourceTimezoneOffsetHours: req.SourceTimezoneOffsetHours,
		PurgeStrategy:             req.PurgeStrategy,
		ChangeType:                req.ChangeType,
		ChangeSummary:             req.ChangeSummary,
		ImportLabel:               req.ImportLabel,
	}
	return s.approval.CreateDraft(ctx, l, req.User)
}

// UpdateDraft applies req's non-nil fields to the current DRAFT.
func (s *Service) UpdateDraft(ctx context.Context, entityCode string, req UpdateDraftRequest) (domain.Loader, error) {
	return s.approval.UpdateDraft(ctx, entityCode, req.User, func(l *domain.Loader) {
		if req.SourceDBRef != nil {
			l.SourceDBRef = *req.SourceDBRef
		}
		if req.SQLText != nil {
			l.SQLText = req.SQLText
		}
		if req.MinIntervalSeconds != nil {
			l.MinIntervalSeconds = *req.MinIntervalSeconds
		}
		if req.MaxIntervalSeconds != nil {
			l.MaxIntervalSeconds = *req.MaxIntervalSeconds
		}
		if req.MaxQueryPeriodSeconds != nil {
			l.MaxQueryPeriodSeconds = *req.MaxQueryPeriodSeconds
		}
		if req.MaxParallelExecutions != nil {
			l.MaxParallelExecutions = *req.MaxParallelExecutions
		}
		if req.SourceTimezoneOffsetHours != nil {
			l.SourceTimezoneOffsetHours = *req.SourceTimezoneOffsetHours
		}
		if req.PurgeStrategy != nil {
			l.PurgeStrategy = *req.PurgeStrategy
		}
		if req.ChangeSummary != nil {
			l.ChangeSummary = *req.ChangeSummary
		}
	})
}

// Submit transitions entityCode's DRAFT to PENDING_APPROVAL.
func (s *Service) Submit(ctx context.Context, entityCode, user string) (domain.Loader, error) {
	return s.approval.Submit(ctx, entityCode, user)
}

// Approve promotes entityCode's PENDING_APPROVAL draft to ACTIVE.
func (s *Service) Approve(ctx context.Context, entityCode, admin, comments string) (domain.Loader, error) {
	return s.approval.Approve(ctx, entityCode, admin, comments)
}

// Reject archives entityCode's PENDING_APPROVAL draft with reason.
func (s *Service) Reject(ctx context.Context, entityCode, admin, reason string) (domain.Loader, error) {
	return s.approval.Reject(ctx, entityCode, admin, reason)
}

// Pause sets enabled=false on entityCode's ACTIVE row (spec.md §6: "toggle
// enabled"). Does not interrupt an in-flight run.
func (s *Service) Pause(ctx context.Context, entityCode string) error {
	return s.setEnabled(ctx, entityCode, false)
}

// Resume sets enabled=true on entityCode's ACTIVE row.
func (s *Service) Resume(ctx context.Context, entityCode string) error {
	return s.setEnabled(ctx, entityCode, true)
}

func (s *Service) setEnabled(ctx context.Context, entityCode string, enabled bool) error {
	l, err := s.versions.FindActive(ctx, entityCode)
	if err != nil {
		return fmt.Errorf("control: %w", err)
	}
	l.Enabled = enabled
	if err := s.versions.Save(ctx, nil, &l); err != nil {
		return fmt.Errorf("control: set enabled: %w", err)
	}
	return nil
}

// RunNow enqueues an immediate, out-of-cadence claim attempt for
// entityCode's ACTIVE row (spec.md §6: "run now: enqueue immediate claim
// attempt"). Returns an error of kind domain.KindInvalidTransition if the
// row cannot be claimed right now (already RUNNING, disabled, or at its parallelism
// cap); this mirrors a sweep's ordinary skip, not an error condition.
func (s *Service) RunNow(ctx context.Context, entityCode string) error {
	active, err := s.versions.FindActive(ctx, entityCode)
	if err != nil {
		return fmt.Errorf("control: run now: %w", err)
	}

	claimed, ok, err := s.dispatcher.ClaimForRunNow(ctx, active.ID)
	if err != nil {
		return fmt.Errorf("control: run now: %w", err)
	}
	if !ok {
		return domain.NewError(domain.KindInvalidTransition, "control.RunNow",
			fmt.Errorf("entity_code=%s is not currently claimable", entityCode))
	}

	s.dispatcher.Dispatch(ctx, claimed)
	return nil
}

// ListExecutions returns recent execution_log rows for entityCode.
func (s *Service) ListExecutions(ctx context.Context, entityCode string) ([]domain.ExecutionRecord, error) {
	return scheduler.ListExecutions(ctx, s.pool, entityCode)
}

// ListHistory returns entityCode's archived version history, newest first.
func (s *Service) ListHistory(ctx context.Context, entityCode string) ([]domain.LoaderArchive, error) {
	return s.archives.ListHistory(ctx, entityCode)
}
