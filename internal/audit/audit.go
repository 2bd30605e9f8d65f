// Package audit keeps the trail of every statement the engine executed
// on behalf of an account.
//
// Records flow through a Postgres outbox: the chat service publishes a
// row per finalized statement, the archiver claims pending rows under a
// lease, writes one parquet file per account and UTC day to the object
// store, records the file, and acks. Acked rows are deleted; the
// parquet object and its audit_file row are the durable trail. The
// retention service prunes files older than the configured window.
package audit

import (
	"context"
	"time"
)

// Record is the audit entry for one executed statement.
type Record struct {
	EventID    string
	AccountID  string
	PatientID  string
	SessionID  string
	TraceID    string
	Statement  string
	Intent     string
	RowCount   int64
	Duration   time.Duration
	OccurredAt time.Time
}

// Publisher accepts records for asynchronous archival. Publish failures
// must never fail the user-visible turn; callers log and move on.
type Publisher interface {
	Publish(ctx context.Context, record Record) (string, error)
}

// Outbox hands pending records to the archiver under a lease. Claimed
// records that are never acked become claimable again once the lease
// expires, so delivery is at least once.
type Outbox interface {
	Publisher
	Claim(ctx context.Context, consumerID string, limit, leaseSeconds int) ([]Record, error)
	Ack(ctx context.Context, eventIDs []string) error
	RequeueExpired(ctx context.Context) (int, error)
}

// File describes one archived parquet object.
type File struct {
	FileID      int64
	AccountID   string
	Day         time.Time
	Path        string
	RecordCount int64
	SizeBytes   int64
	CreatedAt   time.Time
}

// RetentionRun is the persisted outcome of one retention cycle.
type RetentionRun struct {
	Status         string
	CandidateFiles int
	DeletedFiles   int
	Detail         string
}

// FileStore tracks archived files and serves retention.
type FileStore interface {
	NextFileSequence(ctx context.Context) (int64, error)
	RecordFile(ctx context.Context, file File) error
	ListExpiredFiles(ctx context.Context, olderThan time.Time, limit int) ([]File, error)
	DeleteFile(ctx context.Context, fileID int64) error
	RecordRetentionRun(ctx context.Context, run RetentionRun) error
}
