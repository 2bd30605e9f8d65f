package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/storage"
)

func TestRetentionDeletesExpiredFiles(t *testing.T) {
	files := &stubFileStore{
		expired: []File{
			{FileID: 11, AccountID: "acct-1", Path: "account=acct-1/date=2025-11-02/audit-00011.parquet"},
			{FileID: 12, AccountID: "acct-2", Path: "account=acct-2/date=2025-11-03/audit-00012.parquet"},
		},
	}
	store := &stubObjectStore{}

	svc := &Retention{
		Files:       files,
		ObjectStore: store,
		Config:      RetentionConfig{MaxAge: 90 * 24 * time.Hour},
		Clock: func() time.Time {
			return time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
		},
	}

	summary, err := svc.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if summary.CandidateFiles != 2 || summary.FilesDeleted != 2 || summary.Failures != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(store.deletedKeys) != 2 {
		t.Fatalf("deleted objects = %d", len(store.deletedKeys))
	}
	if len(files.deleted) != 2 || files.deleted[0] != 11 {
		t.Fatalf("deleted rows = %v", files.deleted)
	}
	if len(files.runs) != 1 || files.runs[0].Status != "completed" || files.runs[0].DeletedFiles != 2 {
		t.Fatalf("runs = %+v", files.runs)
	}
}

func TestRetentionToleratesMissingObjects(t *testing.T) {
	files := &stubFileStore{
		expired: []File{
			{FileID: 11, AccountID: "acct-1", Path: "account=acct-1/date=2025-11-02/audit-00011.parquet"},
		},
	}
	store := &stubObjectStore{deleteErr: storage.ErrObjectNotFound}

	svc := &Retention{Files: files, ObjectStore: store}

	summary, err := svc.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if summary.FilesDeleted != 1 || summary.Failures != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(files.deleted) != 1 {
		t.Fatalf("deleted rows = %v", files.deleted)
	}
}

func TestRetentionKeepsRowWhenObjectDeleteFails(t *testing.T) {
	files := &stubFileStore{
		expired: []File{
			{FileID: 11, AccountID: "acct-1", Path: "account=acct-1/date=2025-11-02/audit-00011.parquet"},
			{FileID: 12, AccountID: "acct-2", Path: "account=acct-2/date=2025-11-03/audit-00012.parquet"},
		},
	}
	store := &stubObjectStore{deleteErr: fmt.Errorf("bucket unavailable")}

	svc := &Retention{Files: files, ObjectStore: store}

	summary, err := svc.ProcessOnce(context.Background())
	if err == nil {
		t.Fatal("expected failure summary error")
	}
	if summary.FilesDeleted != 0 || summary.Failures != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(files.deleted) != 0 {
		t.Fatalf("deleted rows = %v, want none", files.deleted)
	}
	if len(files.runs) != 1 || files.runs[0].Status != "failed" {
		t.Fatalf("runs = %+v", files.runs)
	}
}

func TestRetentionRecordsListFailure(t *testing.T) {
	files := &stubFileStore{listErr: fmt.Errorf("db down")}

	svc := &Retention{Files: files, ObjectStore: &stubObjectStore{}}

	if _, err := svc.ProcessOnce(context.Background()); err == nil {
		t.Fatal("expected list failure to surface")
	}
	if len(files.runs) != 1 || files.runs[0].Status != "failed" {
		t.Fatalf("runs = %+v", files.runs)
	}
}

func TestRetentionNoopWhenNothingExpired(t *testing.T) {
	files := &stubFileStore{}
	store := &stubObjectStore{}

	svc := &Retention{Files: files, ObjectStore: store}

	summary, err := svc.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("ProcessOnce() error = %v", err)
	}
	if summary.CandidateFiles != 0 || summary.FilesDeleted != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(files.runs) != 1 || files.runs[0].Status != "completed" {
		t.Fatalf("runs = %+v", files.runs)
	}
}
