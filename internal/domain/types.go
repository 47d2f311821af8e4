// Package domain holds the entities and enums shared by every component of
// the loader control plane: the Loader version-scoped row, its runtime and
// scheduling fields, source database descriptors, signal tuples and
// archive snapshots.
package domain

import "time"

// VersionStatus is the lifecycle stage of a Loader row within its
// entity_code's version history.
type VersionStatus string

const (
	VersionStatusDraft            VersionStatus = "DRAFT"
	VersionStatusPendingApproval  VersionStatus = "PENDING_APPROVAL"
	VersionStatusActive           VersionStatus = "ACTIVE"
)

// LoadStatus is the runtime state of an ACTIVE loader as driven by the
// scheduler and executor.
type LoadStatus string

const (
	LoadStatusIdle    LoadStatus = "IDLE"
	LoadStatusRunning LoadStatus = "RUNNING"
	LoadStatusFailed  LoadStatus = "FAILED"
	LoadStatusPaused  LoadStatus = "PAUSED"
)

// PurgeStrategy controls how the Signal Sink handles pre-existing rows in
// the signal store during a run.
type PurgeStrategy string

const (
	PurgeStrategyFailOnDuplicate PurgeStrategy = "FAIL_ON_DUPLICATE"
	PurgeStrategyPurgeAndReload  PurgeStrategy = "PURGE_AND_RELOAD"
	PurgeStrategySkipDuplicates  PurgeStrategy = "SKIP_DUPLICATES"
)

// SourceDialect identifies the wire protocol/driver family for a source
// database.
type SourceDialect string

const (
	SourceDialectPostgreSQL SourceDialect = "postgresql"
	SourceDialectMySQL      SourceDialect = "mysql"
)

// Decryptor decrypts an opaque encrypted SQL blob. Supplied by the
// embedding application; the engine never implements encryption itself.
type Decryptor interface {
	Decrypt(ciphertext []byte) (string, error)
}

// EncryptedSQL is sql_text stored encrypted at rest. It is opaque to every
// component except the executor, which decrypts it immediately before
// binding range parameters.
type EncryptedSQL []byte

// Decrypt resolves the plaintext SQL using the supplied Decryptor.
func (e EncryptedSQL) Decrypt(d Decryptor) (string, error) {
	return d.Decrypt([]byte(e))
}

// Loader is a version-scoped row for a business key (EntityCode). At most
// one row per EntityCode carries VersionStatusActive and at most one
// carries VersionStatusDraft or VersionStatusPendingApproval.
type Loader struct {
	ID               int64
	EntityCode       string
	VersionNumber    int64
	VersionStatus    VersionStatus
	ParentVersionID  *int64

	SourceDBRef string
	SQLText     EncryptedSQL

	MinIntervalSeconds     int64
	MaxIntervalSeconds     int64
	MaxQueryPeriodSeconds  int64
	MaxParallelExecutions  int

	SourceTimezoneOffsetHours int

	LoadStatus               LoadStatus
	LastLoadTimestamp        *time.Time
	LastSuccessTimestamp     *time.Time
	FailedSince              *time.Time
	ConsecutiveZeroRecordRuns int

	PurgeStrategy PurgeStrategy
	Enabled       bool

	CreatedBy        string
	CreatedAt        time.Time
	ModifiedBy       string
	ModifiedAt       time.Time
	ApprovedBy       string
	ApprovedAt       *time.Time
	RejectedBy       string
	RejectedAt       *time.Time
	RejectionReason  string
	ChangeType       string
	ChangeSummary    string
	ImportLabel      string
}

// IsEligible reports whether the loader is schedulable at all, independent
// of timing. It does not check the min/max interval predicate.
func (l *Loader) IsEligible() bool {
	return l.Enabled && l.VersionStatus == VersionStatusActive && l.LoadStatus == LoadStatusIdle
}

// SourceDatabase describes a named, read-only upstream database.
type SourceDatabase struct {
	SourceCode       string
	Host             string
	Port             int
	DBName           string
	Dialect          SourceDialect
	Username         string
	EncryptedPassword []byte
	ReadOnlyVerified bool
}

// SignalTuple is one aggregated output per (loader, timestamp, segment).
type SignalTuple struct {
	LoaderCode      string
	LoadTimestampUTC time.Time
	SegmentCode     string
	RecCount        int64
	MinVal          float64
	AvgVal          float64
	MaxVal          float64
	SumVal          float64
}

// LoaderArchive is an immutable snapshot of a superseded or rejected
// Loader row.
type LoaderArchive struct {
	ID             int64
	EntityCode     string
	VersionNumber  int64
	Snapshot       Loader
	ArchivedBy     string
	ArchivedAt     time.Time
	ArchiveReason  string
	RejectedBy     string
	RejectedAt     *time.Time
	RejectionReason string
}

// ExecutionRecord is one structured log of an executor run, success or
// failure, kept so ListExecutions has something to project (spec.md §7).
type ExecutionRecord struct {
	ID              string
	EntityCode      string
	VersionNumber   int64
	StartedAt       time.Time
	FinishedAt      time.Time
	FromTimestamp   time.Time
	ToTimestamp     time.Time
	RowCount        int64
	Success         bool
	ErrorKind       Kind
	ErrorMessage    string
}

// LoaderView is the read-only projection returned by ListLoaders/GetLoader;
// it never carries SQLText plaintext.
type LoaderView struct {
	Loader
	HasDraft bool
}
