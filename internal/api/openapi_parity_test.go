package api

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestOpenAPIContainsImplementedPaths(t *testing.T) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	repoRoot := filepath.Clean(filepath.Join(filepath.Dir(filename), "..", ".."))
	openAPIPath := filepath.Join(repoRoot, "api", "openapi.yaml")

	content, err := os.ReadFile(openAPIPath)
	if err != nil {
		t.Fatalf("read openapi file error = %v", err)
	}
	text := string(content)

	requiredPaths := []string{
		"/v1/health:",
		"/v1/ready:",
		"/v1/metrics:",
		"/v1/chat/sessions:",
		"/v1/chat/sessions/{session}:",
		"/v1/chat/sessions/{session}/messages:",
		"/v1/chat/sessions/{session}/stream:",
		"/v1/schema:",
		"/v1/audit/archive/run:",
		"/v1/audit/retention/run:",
	}
	for _, path := range requiredPaths {
		if !strings.Contains(text, path) {
			t.Fatalf("openapi missing path %s", path)
		}
	}

	for _, eventType := range []string{"session_start", "text_delta", "tool_start", "tool_complete", "final_result", "error", "done"} {
		if !strings.Contains(text, eventType) {
			t.Fatalf("openapi missing stream event type %s", eventType)
		}
	}
}
