// Package postgres persists the audit outbox and file ledger.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/audit"
)

type Outbox struct {
	db    *sql.DB
	clock func() time.Time
}

func NewOutbox(db *sql.DB) *Outbox {
	return &Outbox{db: db, clock: time.Now}
}

func (o *Outbox) Publish(ctx context.Context, record audit.Record) (string, error) {
	if record.AccountID == "" {
		return "", fmt.Errorf("account id is required")
	}
	if record.Statement == "" {
		return "", fmt.Errorf("statement is required")
	}

	occurredAt := record.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = o.clock().UTC()
	}

	var patientID *string
	if record.PatientID != "" {
		patientID = &record.PatientID
	}

	query := `
INSERT INTO audit_event (account_id, patient_id, session_id, trace_id, statement, intent, row_count, duration_ms, occurred_at, state)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending')
RETURNING event_id`

	var eventID int64
	if err := o.db.QueryRowContext(ctx, query,
		record.AccountID,
		patientID,
		record.SessionID,
		record.TraceID,
		record.Statement,
		record.Intent,
		record.RowCount,
		record.Duration.Milliseconds(),
		occurredAt,
	).Scan(&eventID); err != nil {
		return "", fmt.Errorf("publish audit event: %w", err)
	}
	return strconv.FormatInt(eventID, 10), nil
}

func (o *Outbox) Claim(ctx context.Context, consumerID string, limit, leaseSeconds int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	if leaseSeconds <= 0 {
		leaseSeconds = 30
	}

	tx, err := o.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	selectionQuery := `
SELECT event_id, account_id, patient_id, session_id, trace_id, statement, intent, row_count, duration_ms, occurred_at
FROM audit_event
WHERE state = 'pending' AND (lease_until IS NULL OR lease_until <= NOW())
ORDER BY event_id ASC
FOR UPDATE SKIP LOCKED
LIMIT $1`

	rows, err := tx.QueryContext(ctx, selectionQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type selectedEvent struct {
		eventID    int64
		record     audit.Record
		durationMs int64
	}

	selected := make([]selectedEvent, 0, limit)
	for rows.Next() {
		var event selectedEvent
		var patientID *string
		if err := rows.Scan(
			&event.eventID,
			&event.record.AccountID,
			&patientID,
			&event.record.SessionID,
			&event.record.TraceID,
			&event.record.Statement,
			&event.record.Intent,
			&event.record.RowCount,
			&event.durationMs,
			&event.record.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan claim candidate: %w", err)
		}
		if patientID != nil {
			event.record.PatientID = *patientID
		}
		selected = append(selected, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim candidates: %w", err)
	}

	if len(selected) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit empty claim tx: %w", err)
		}
		return nil, nil
	}

	leaseUntil := o.clock().UTC().Add(time.Duration(leaseSeconds) * time.Second)
	claimQuery := `
UPDATE audit_event
SET state = 'claimed', lease_owner = $1, lease_until = $2
WHERE event_id = $3`

	records := make([]audit.Record, 0, len(selected))
	for _, event := range selected {
		if _, err := tx.ExecContext(ctx, claimQuery, consumerID, leaseUntil, event.eventID); err != nil {
			return nil, fmt.Errorf("claim event %d: %w", event.eventID, err)
		}
		record := event.record
		record.EventID = strconv.FormatInt(event.eventID, 10)
		record.Duration = time.Duration(event.durationMs) * time.Millisecond
		record.OccurredAt = record.OccurredAt.UTC()
		records = append(records, record)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return records, nil
}

// Ack removes archived events. The parquet object and its audit_file
// row carry the trail from here on.
func (o *Outbox) Ack(ctx context.Context, eventIDs []string) error {
	parsed, err := parseEventIDs(eventIDs)
	if err != nil {
		return err
	}
	if len(parsed) == 0 {
		return nil
	}

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ack tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, eventID := range parsed {
		if _, err := tx.ExecContext(ctx, `DELETE FROM audit_event WHERE event_id = $1`, eventID); err != nil {
			return fmt.Errorf("ack event %d: %w", eventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ack tx: %w", err)
	}
	return nil
}

func (o *Outbox) RequeueExpired(ctx context.Context) (int, error) {
	requeueQuery := `
WITH moved AS (
    UPDATE audit_event
    SET state = 'pending', lease_owner = NULL, lease_until = NULL
    WHERE state = 'claimed' AND lease_until IS NOT NULL AND lease_until < NOW()
    RETURNING event_id
)
SELECT COUNT(*) FROM moved`

	var count int
	if err := o.db.QueryRowContext(ctx, requeueQuery).Scan(&count); err != nil {
		return 0, fmt.Errorf("requeue expired events: %w", err)
	}
	return count, nil
}

func (o *Outbox) NextFileSequence(ctx context.Context) (int64, error) {
	var fileID int64
	if err := o.db.QueryRowContext(ctx, `SELECT nextval(pg_get_serial_sequence('audit_file', 'file_id'))`).Scan(&fileID); err != nil {
		return 0, fmt.Errorf("allocate audit file id: %w", err)
	}
	return fileID, nil
}

func (o *Outbox) RecordFile(ctx context.Context, file audit.File) error {
	if file.FileID <= 0 {
		return fmt.Errorf("file id is required")
	}
	if file.AccountID == "" {
		return fmt.Errorf("account id is required")
	}
	if file.Path == "" {
		return fmt.Errorf("object path is required")
	}

	query := `
INSERT INTO audit_file (file_id, account_id, file_date, object_path, record_count, size_bytes)
VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := o.db.ExecContext(ctx, query,
		file.FileID,
		file.AccountID,
		file.Day.UTC(),
		file.Path,
		file.RecordCount,
		file.SizeBytes,
	); err != nil {
		return fmt.Errorf("record audit file: %w", err)
	}
	return nil
}

func (o *Outbox) ListExpiredFiles(ctx context.Context, olderThan time.Time, limit int) ([]audit.File, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
SELECT file_id, account_id, file_date, object_path, record_count, size_bytes, created_at
FROM audit_file
WHERE created_at < $1
ORDER BY file_id ASC
LIMIT $2`

	rows, err := o.db.QueryContext(ctx, query, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired audit files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	files := make([]audit.File, 0, limit)
	for rows.Next() {
		var file audit.File
		if err := rows.Scan(
			&file.FileID,
			&file.AccountID,
			&file.Day,
			&file.Path,
			&file.RecordCount,
			&file.SizeBytes,
			&file.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan expired audit file: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired audit files: %w", err)
	}
	return files, nil
}

func (o *Outbox) DeleteFile(ctx context.Context, fileID int64) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM audit_file WHERE file_id = $1`, fileID); err != nil {
		return fmt.Errorf("delete audit file %d: %w", fileID, err)
	}
	return nil
}

func (o *Outbox) RecordRetentionRun(ctx context.Context, run audit.RetentionRun) error {
	query := `
INSERT INTO audit_retention_run (status, candidate_files, deleted_files, detail)
VALUES ($1, $2, $3, $4)`

	if _, err := o.db.ExecContext(ctx, query, run.Status, run.CandidateFiles, run.DeletedFiles, run.Detail); err != nil {
		return fmt.Errorf("record retention run: %w", err)
	}
	return nil
}

func parseEventIDs(eventIDs []string) ([]int64, error) {
	parsed := make([]int64, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		value, err := strconv.ParseInt(eventID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid event id %q: %w", eventID, err)
		}
		parsed = append(parsed, value)
	}
	return parsed, nil
}

var _ audit.Outbox = (*Outbox)(nil)
var _ audit.FileStore = (*Outbox)(nil)
