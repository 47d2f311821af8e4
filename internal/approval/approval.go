// Package approval is the Versioning / Approval State Machine (C7):
// create_draft, update_draft, submit, approve, reject. It is deliberately
// one small file over an EntityAdapter interface rather than a class
// hierarchy, per the redesign guidance that rejected a Loader/Draft/
// Active/Archived type hierarchy in favor of one row type with a status
// field and a handful of pure transition functions.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/loadctl/internal/archivestore"
	"github.com/malbeclabs/loadctl/internal/domain"
	"github.com/malbeclabs/loadctl/internal/versionstore"
)

// EntityAdapter is the minimal surface the state machine needs against the
// control store: find the live rows for a business key, persist or remove
// a row, and record an archive snapshot. versionstore.Store and
// archivestore.Store already satisfy the shapes used here; pgAdapter below
// wires them together under one *pgxpool.Pool so approve/reject can run as
// a single transaction.
type EntityAdapter interface {
	FindActive(ctx context.Context, entityCode string) (domain.Loader, error)
	FindDraft(ctx context.Context, entityCode string) (domain.Loader, error)
	FindByID(ctx context.Context, id int64) (domain.Loader, error)
	NextVersionNumber(ctx context.Context, entityCode string) (int64, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
	Save(ctx context.Context, tx pgx.Tx, l *domain.Loader) error
	Delete(ctx context.Context, tx pgx.Tx, id int64) error
	Archive(ctx context.Context, tx pgx.Tx, l domain.Loader, archivedBy, reason string) error
}

// pgAdapter is the production EntityAdapter, composing versionstore.Store
// and archivestore.Store over one *pgxpool.Pool.
type pgAdapter struct {
	pool     *pgxpool.Pool
	versions *versionstore.Store
	archives *archivestore.Store
}

// NewPostgresAdapter builds the production EntityAdapter for State.
func NewPostgresAdapter(pool *pgxpool.Pool, versions *versionstore.Store, archives *archivestore.Store) EntityAdapter {
	return &pgAdapter{pool: pool, versions: versions, archives: archives}
}

func (a *pgAdapter) FindActive(ctx context.Context, entityCode string) (domain.Loader, error) {
	return a.versions.FindActive(ctx, entityCode)
}

func (a *pgAdapter) FindDraft(ctx context.Context, entityCode string) (domain.Loader, error) {
	return a.versions.FindDraft(ctx, entityCode)
}

func (a *pgAdapter) FindByID(ctx context.Context, id int64) (domain.Loader, error) {
	return a.versions.FindByID(ctx, id)
}

func (a *pgAdapter) NextVersionNumber(ctx context.Context, entityCode string) (int64, error) {
	return a.versions.NextVersionNumber(ctx, entityCode)
}

func (a *pgAdapter) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("approval: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("approval: commit tx: %w", err)
	}
	return nil
}

func (a *pgAdapter) Save(ctx context.Context, tx pgx.Tx, l *domain.Loader) error {
	return a.versions.Save(ctx, tx, l)
}

func (a *pgAdapter) Delete(ctx context.Context, tx pgx.Tx, id int64) error {
	return a.versions.Delete(ctx, tx, id)
}

func (a *pgAdapter) Archive(ctx context.Context, tx pgx.Tx, l domain.Loader, archivedBy, reason string) error {
	_, err := a.archives.Append(ctx, tx, l, archivedBy, reason)
	return err
}

// Clock is the minimal time source the state machine needs, satisfied by
// *internal/clock.Clock.
type Clock interface {
	NowUTC() time.Time
}

// State is the Approval State Machine.
type State struct {
	adapter EntityAdapter
	clock   Clock
}

// New constructs the state machine over the given adapter and clock.
func New(adapter EntityAdapter, clock Clock) *State {
	return &State{adapter: adapter, clock: clock}
}

// CreateDraft creates a new DRAFT for entityCode. If a DRAFT or
// PENDING_APPROVAL row already exists, it is overwritten in place with l's
// payload instead of being rejected (spec.md §4.7 "create_draft": "if draft
// exists, overwrite it in place (cumulative)") — the existing row's id,
// version_number, parent_version_id, and created_by/at are kept, and only
// modified_by/at and the payload fields change.
func (s *State) CreateDraft(ctx context.Context, l domain.Loader, user string) (domain.Loader, error) {
	now := s.clock.NowUTC()

	existing, err := s.adapter.FindDraft(ctx, l.EntityCode)
	switch {
	case err == nil:
		existing.SourceDBRef = l.SourceDBRef
		existing.SQLText = l.SQLText
		existing.MinIntervalSeconds = l.MinIntervalSeconds
		existing.MaxIntervalSeconds = l.MaxIntervalSeconds
		existing.MaxQueryPeriodSeconds = l.MaxQueryPeriodSeconds
		existing.MaxParallelExecutions = l.MaxParallelExecutions
		existing.SourceTimezoneOffsetHours = l.SourceTimezoneOffsetHours
		existing.PurgeStrategy = l.PurgeStrategy
		existing.ChangeType = l.ChangeType
		existing.ChangeSummary = l.ChangeSummary
		existing.ImportLabel = l.ImportLabel
		existing.ModifiedBy = user
		existing.ModifiedAt = now

		if err := s.adapter.Save(ctx, nil, &existing); err != nil {
			return domain.Loader{}, fmt.Errorf("approval: create draft: %w", err)
		}
		return existing, nil
	case err == domain.ErrNotFound:
		// no existing draft; fall through to create a new one.
	default:
		return domain.Loader{}, fmt.Errorf("approval: create draft: %w", err)
	}

	nextVersion, err := s.adapter.NextVersionNumber(ctx, l.EntityCode)
	if err != nil {
		return domain.Loader{}, fmt.Errorf("approval: create draft: %w", err)
	}

	var parentID *int64
	if active, err := s.adapter.FindActive(ctx, l.EntityCode); err == nil {
		parentID = &active.ID
	} else if err != domain.ErrNotFound {
		return domain.Loader{}, fmt.Errorf("approval: create draft: %w", err)
	}

	l.VersionNumber = nextVersion
	l.VersionStatus = domain.VersionStatusDraft
	l.ParentVersionID = parentID
	l.LoadStatus = domain.LoadStatusIdle
	l.CreatedBy = user
	l.CreatedAt = now
	l.ModifiedBy = user
	l.ModifiedAt = now

	if err := s.adapter.Save(ctx, nil, &l); err != nil {
		return domain.Loader{}, fmt.Errorf("approval: create draft: %w", err)
	}
	return l, nil
}

// UpdateDraft applies payload mutations to the current DRAFT, rejecting
// with domain.ErrInvalidTransition unless the row is in VersionStatusDraft
// (spec.md §6.2: "legal only when current status is DRAFT").
func (s *State) UpdateDraft(ctx context.Context, entityCode string, user string, mutate func(*domain.Loader)) (domain.Loader, error) {
	draft, err := s.requireStatus(ctx, entityCode, domain.VersionStatusDraft, "approval.UpdateDraft")
	if err != nil {
		return domain.Loader{}, err
	}

	mutate(&draft)
	draft.ModifiedBy = user
	draft.ModifiedAt = s.clock.NowUTC()

	if err := s.adapter.Save(ctx, nil, &draft); err != nil {
		return domain.Loader{}, fmt.Errorf("approval: update draft: %w", err)
	}
	return draft, nil
}

// Submit transitions DRAFT to PENDING_APPROVAL.
func (s *State) Submit(ctx context.Context, entityCode, user string) (domain.Loader, error) {
	draft, err := s.requireStatus(ctx, entityCode, domain.VersionStatusDraft, "approval.Submit")
	if err != nil {
		return domain.Loader{}, err
	}

	draft.VersionStatus = domain.VersionStatusPendingApproval
	draft.ModifiedBy = user
	draft.ModifiedAt = s.clock.NowUTC()

	if err := s.adapter.Save(ctx, nil, &draft); err != nil {
		return domain.Loader{}, fmt.Errorf("approval: submit: %w", err)
	}
	return draft, nil
}

// Approve promotes a PENDING_APPROVAL draft to ACTIVE, archiving and
// deleting the prior ACTIVE (if any) in the same transaction, per spec.md
// §6.2 steps 1-3. The watermark carries over from the archived prior
// ACTIVE (SPEC_FULL.md Open Question #1 decision); there is none to carry
// for a first version.
func (s *State) Approve(ctx context.Context, entityCode, admin, comments string) (domain.Loader, error) {
	draft, err := s.requireStatus(ctx, entityCode, domain.VersionStatusPendingApproval, "approval.Approve")
	if err != nil {
		return domain.Loader{}, err
	}

	now := s.clock.NowUTC()
	var promoted domain.Loader

	err = s.adapter.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		prior, err := s.adapter.FindActive(ctx, entityCode)
		switch {
		case err == nil:
			reason := fmt.Sprintf("Replaced by version %d", draft.VersionNumber)
			if archErr := s.adapter.Archive(ctx, tx, prior, admin, reason); archErr != nil {
				return archErr
			}
			if delErr := s.adapter.Delete(ctx, tx, prior.ID); delErr != nil {
				return delErr
			}
			draft.LastLoadTimestamp = prior.LastLoadTimestamp
			draft.LastSuccessTimestamp = prior.LastSuccessTimestamp
		case err == domain.ErrNotFound:
			// first version of this entity_code, nothing to archive.
		default:
			return fmt.Errorf("approval: approve: find prior active: %w", err)
		}

		draft.VersionStatus = domain.VersionStatusActive
		draft.ApprovedBy = admin
		draft.ApprovedAt = &now
		draft.ModifiedBy = admin
		draft.ModifiedAt = now
		draft.LoadStatus = domain.LoadStatusIdle
		draft.FailedSince = nil
		draft.ConsecutiveZeroRecordRuns = 0
		if comments != "" {
			if draft.ChangeSummary != "" {
				draft.ChangeSummary = draft.ChangeSummary + "; " + comments
			} else {
				draft.ChangeSummary = comments
			}
		}

		promoted = draft
		return s.adapter.Save(ctx, tx, &promoted)
	})
	if err != nil {
		return domain.Loader{}, fmt.Errorf("approval: approve: %w", err)
	}
	return promoted, nil
}

// Reject archives and deletes a PENDING_APPROVAL draft with reason,
// recording rejected_by/at/rejection_reason. Rejected drafts cannot be
// re-submitted; a new draft must be created.
func (s *State) Reject(ctx context.Context, entityCode, admin, reason string) (domain.Loader, error) {
	if reason == "" {
		return domain.Loader{}, domain.NewError(domain.KindInvalidTransition, "approval.Reject",
			fmt.Errorf("rejection reason is required"))
	}

	draft, err := s.requireStatus(ctx, entityCode, domain.VersionStatusPendingApproval, "approval.Reject")
	if err != nil {
		return domain.Loader{}, err
	}

	now := s.clock.NowUTC()
	draft.RejectedBy = admin
	draft.RejectedAt = &now
	draft.RejectionReason = reason

	err = s.adapter.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		archiveReason := fmt.Sprintf("Rejected by %s: %s", admin, reason)
		if err := s.adapter.Archive(ctx, tx, draft, admin, archiveReason); err != nil {
			return err
		}
		return s.adapter.Delete(ctx, tx, draft.ID)
	})
	if err != nil {
		return domain.Loader{}, fmt.Errorf("approval: reject: %w", err)
	}
	return draft, nil
}

func (s *State) requireStatus(ctx context.Context, entityCode string, want domain.VersionStatus, op string) (domain.Loader, error) {
	draft, err := s.adapter.FindDraft(ctx, entityCode)
	if err == domain.ErrNotFound {
		return domain.Loader{}, domain.NewError(domain.KindNotFound, op,
			fmt.Errorf("no draft for entity_code=%s", entityCode))
	}
	if err != nil {
		return domain.Loader{}, fmt.Errorf("%s: %w", op, err)
	}
	if draft.VersionStatus != want {
		return domain.Loader{}, domain.NewError(domain.KindInvalidTransition, op,
			fmt.Errorf("entity_code=%s is %s, want %s", entityCode, draft.VersionStatus, want))
	}
	return draft, nil
}
