package audit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/observability"
	"github.com/rudnitski/HealthUp-sub002/internal/storage"
)

// Archiver drains the outbox into parquet files on the object store.
type Archiver struct {
	Outbox      Outbox
	Files       FileStore
	ObjectStore storage.ObjectStore
	Config      ArchiverConfig
	Logger      *slog.Logger
	Clock       func() time.Time
}

type ArchiverConfig struct {
	ConsumerID   string
	ClaimLimit   int
	LeaseSeconds int
	PollInterval time.Duration
}

type ArchiveSummary struct {
	RequeuedEvents int `json:"requeued_events"`
	ClaimedEvents  int `json:"claimed_events"`
	FilesWritten   int `json:"files_written"`
}

func (s *Archiver) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.PollInterval)
	defer ticker.Stop()

	for {
		summary, err := s.ProcessOnce(ctx)
		if err != nil {
			if s.Logger != nil {
				s.Logger.ErrorContext(ctx, "audit archive cycle failed", slog.Any("error", err), slog.Any("summary", summary))
			}
		} else if summary.ClaimedEvents > 0 && s.Logger != nil {
			s.Logger.InfoContext(ctx, "audit archive cycle completed", slog.Any("summary", summary))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce requeues expired claims, then claims one batch and
// archives it grouped by account and UTC day.
func (s *Archiver) ProcessOnce(ctx context.Context) (ArchiveSummary, error) {
	s.ensureDefaults()
	if s.Outbox == nil {
		return ArchiveSummary{}, fmt.Errorf("outbox is required")
	}
	if s.Files == nil {
		return ArchiveSummary{}, fmt.Errorf("file store is required")
	}
	if s.ObjectStore == nil {
		return ArchiveSummary{}, fmt.Errorf("object store is required")
	}

	summary := ArchiveSummary{}

	requeued, err := s.Outbox.RequeueExpired(ctx)
	if err != nil {
		observability.AuditArchiveFailure()
		return summary, fmt.Errorf("requeue expired events: %w", err)
	}
	summary.RequeuedEvents = requeued

	records, err := s.Outbox.Claim(ctx, s.Config.ConsumerID, s.Config.ClaimLimit, s.Config.LeaseSeconds)
	if err != nil {
		observability.AuditArchiveFailure()
		return summary, fmt.Errorf("claim audit events: %w", err)
	}
	summary.ClaimedEvents = len(records)
	if len(records) == 0 {
		return summary, nil
	}

	for _, group := range groupRecordsByAccountAndDay(records) {
		if err := s.archiveGroup(ctx, group); err != nil {
			observability.AuditArchiveFailure()
			return summary, err
		}
		summary.FilesWritten++
		observability.ObserveAuditArchive(len(group.Records), 1)
	}
	return summary, nil
}

func (s *Archiver) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Config.ConsumerID == "" {
		s.Config.ConsumerID = "healthup-audit"
	}
	if s.Config.ClaimLimit <= 0 {
		s.Config.ClaimLimit = 200
	}
	if s.Config.LeaseSeconds <= 0 {
		s.Config.LeaseSeconds = 30
	}
	if s.Config.PollInterval <= 0 {
		s.Config.PollInterval = 2 * time.Second
	}
}

func (s *Archiver) archiveGroup(ctx context.Context, group recordGroup) error {
	sequence, err := s.Files.NextFileSequence(ctx)
	if err != nil {
		return fmt.Errorf("allocate file sequence: %w", err)
	}

	data, err := EncodeRecordsToParquet(group.Records)
	if err != nil {
		return fmt.Errorf("encode audit records: %w", err)
	}

	path, err := storage.BuildAuditFilePath(group.AccountID, group.Day, int(sequence%100000))
	if err != nil {
		return fmt.Errorf("build audit file path: %w", err)
	}

	info, err := s.ObjectStore.Put(ctx, path, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("put audit object: %w", err)
	}

	if err := s.Files.RecordFile(ctx, File{
		FileID:      sequence,
		AccountID:   group.AccountID,
		Day:         group.Day,
		Path:        path,
		RecordCount: int64(len(group.Records)),
		SizeBytes:   info.Size,
	}); err != nil {
		return fmt.Errorf("record audit file: %w", err)
	}

	if err := s.Outbox.Ack(ctx, group.EventIDs); err != nil {
		return fmt.Errorf("ack archived events: %w", err)
	}

	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "audit file archived",
			slog.String("account_id", group.AccountID),
			slog.String("object_path", path),
			slog.Int("record_count", len(group.Records)),
		)
	}
	return nil
}

type recordGroup struct {
	AccountID string
	Day       time.Time
	Records   []Record
	EventIDs  []string
}

func groupRecordsByAccountAndDay(records []Record) []recordGroup {
	type key struct {
		accountID string
		day       string
	}

	lookup := map[key]*recordGroup{}
	order := make([]key, 0)

	for _, record := range records {
		occurred := record.OccurredAt.UTC()
		day := time.Date(occurred.Year(), occurred.Month(), occurred.Day(), 0, 0, 0, 0, time.UTC)
		k := key{accountID: record.AccountID, day: day.Format("2006-01-02")}
		group, ok := lookup[k]
		if !ok {
			group = &recordGroup{AccountID: record.AccountID, Day: day}
			lookup[k] = group
			order = append(order, k)
		}
		group.Records = append(group.Records, record)
		group.EventIDs = append(group.EventIDs, record.EventID)
	}

	result := make([]recordGroup, 0, len(order))
	for _, k := range order {
		result = append(result, *lookup[k])
	}
	return result
}
