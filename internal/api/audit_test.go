package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rudnitski/HealthUp-sub002/internal/audit"
	"github.com/rudnitski/HealthUp-sub002/internal/auth"
)

type stubArchiveRunner struct {
	summary audit.ArchiveSummary
	err     error
	calls   int
}

func (s *stubArchiveRunner) ProcessOnce(_ context.Context) (audit.ArchiveSummary, error) {
	s.calls++
	return s.summary, s.err
}

type stubRetentionRunner struct {
	summary audit.RetentionSummary
	err     error
	calls   int
}

func (s *stubRetentionRunner) ProcessOnce(_ context.Context) (audit.RetentionSummary, error) {
	s.calls++
	return s.summary, s.err
}

func TestAuditArchiveRunReturnsSummary(t *testing.T) {
	runner := &stubArchiveRunner{summary: audit.ArchiveSummary{ClaimedEvents: 12, FilesWritten: 2}}
	h := newTestHandler(t, Dependencies{Archiver: runner})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/audit/archive/run", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if runner.calls != 1 {
		t.Fatalf("calls = %d", runner.calls)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body["status"] != "completed" {
		t.Fatalf("status body = %v", body["status"])
	}
	summary, ok := body["summary"].(map[string]any)
	if !ok {
		t.Fatalf("summary = %#v", body["summary"])
	}
	if summary["claimed_events"] != float64(12) {
		t.Fatalf("claimed_events = %v", summary["claimed_events"])
	}
	if summary["files_written"] != float64(2) {
		t.Fatalf("files_written = %v", summary["files_written"])
	}
}

func TestAuditRetentionRunReturnsSummary(t *testing.T) {
	runner := &stubRetentionRunner{summary: audit.RetentionSummary{CandidateFiles: 4, FilesDeleted: 4}}
	h := newTestHandler(t, Dependencies{Retention: runner})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/audit/retention/run", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	summary, ok := body["summary"].(map[string]any)
	if !ok {
		t.Fatalf("summary = %#v", body["summary"])
	}
	if summary["files_deleted"] != float64(4) {
		t.Fatalf("files_deleted = %v", summary["files_deleted"])
	}
}

func TestAuditArchiveRunFailureKeepsSummary(t *testing.T) {
	runner := &stubArchiveRunner{
		summary: audit.ArchiveSummary{RequeuedEvents: 1},
		err:     errors.New("object store unreachable"),
	}
	h := newTestHandler(t, Dependencies{Archiver: runner})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/audit/archive/run", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body["error_code"] != "ARCHIVE_FAILED" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
	extra, ok := body["context"].(map[string]any)
	if !ok {
		t.Fatalf("context = %#v", body["context"])
	}
	if _, ok := extra["summary"]; !ok {
		t.Fatal("context missing partial summary")
	}
}

func TestAuditRunsRequireOpsAdmin(t *testing.T) {
	archive := &stubArchiveRunner{}
	retention := &stubRetentionRunner{}
	h := newTestHandler(t, Dependencies{Archiver: archive, Retention: retention})

	identity := auth.Identity{AccountID: "acct-1", Roles: []string{auth.RoleChatUser}}
	for _, path := range []string{"/v1/audit/archive/run", "/v1/audit/retention/run"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("%s status = %d", path, rr.Code)
		}
	}
	if archive.calls != 0 || retention.calls != 0 {
		t.Fatalf("runner calls = %d/%d, want none", archive.calls, retention.calls)
	}
}

func TestAuditRunNotConfigured(t *testing.T) {
	h := newTestHandler(t, Dependencies{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/audit/archive/run", nil))

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}
