package healthupctl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// streamDrainTimeout bounds how long the client waits for the event
// stream to wind down after the session is closed.
const streamDrainTimeout = 5 * time.Second

type chatOptions struct {
	client      *http.Client
	baseURL     string
	apiKey      string
	accountID   string
	patientHint string
	stdin       io.Reader
	stdout      io.Writer
	stderr      io.Writer
}

type chatSession struct {
	SessionID string          `json:"session_id"`
	PatientID string          `json:"patient_id"`
	Patients  []rosterPatient `json:"patients"`
}

type rosterPatient struct {
	PatientID   string `json:"patient_id"`
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth"`
}

// runChat drives one interactive session: create, follow the event
// stream in the background, post one message per stdin line, tear down
// on EOF or when the stream finishes.
func runChat(ctx context.Context, opts chatOptions) int {
	client := opts.client
	if client == nil {
		// No client timeout; the event stream outlives any fixed budget.
		client = &http.Client{}
	}

	created, err := createChatSession(ctx, client, opts)
	if err != nil {
		_, _ = fmt.Fprintf(opts.stderr, "session create failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(opts.stderr, "session %s\n", created.SessionID)
	if created.PatientID != "" {
		_, _ = fmt.Fprintf(opts.stderr, "scope: patient %s\n", created.PatientID)
	}
	if len(created.Patients) > 0 {
		_, _ = fmt.Fprintln(opts.stderr, "patients on this account:")
		for i, p := range created.Patients {
			line := fmt.Sprintf("  %d. %s (%s)", i+1, p.FullName, p.PatientID)
			if p.DateOfBirth != "" {
				line += " born " + p.DateOfBirth
			}
			_, _ = fmt.Fprintln(opts.stderr, line)
		}
		_, _ = fmt.Fprintln(opts.stderr, "a name or number in your first message picks the patient")
	}

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

	state := newStreamState()
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		if err := followStream(streamCtx, client, opts, created.SessionID, state); err != nil && streamCtx.Err() == nil {
			_, _ = fmt.Fprintf(opts.stderr, "stream failed: %v\n", err)
			state.markFailed()
		}
	}()

	// Hold input until the stream is attached so no turn runs unheard.
	select {
	case <-state.started:
	case <-streamDone:
	case <-ctx.Done():
	}

	lines := make(chan string, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(opts.stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

input:
	for {
		select {
		case <-streamDone:
			break input
		case <-ctx.Done():
			break input
		case line, ok := <-lines:
			if !ok {
				break input
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			status, body, err := postChatMessage(ctx, client, opts, created.SessionID, text)
			if err != nil {
				_, _ = fmt.Fprintf(opts.stderr, "send failed: %v\n", err)
				continue
			}
			if status >= 400 {
				_, _ = fmt.Fprintf(opts.stderr, "http %d: %s\n", status, strings.TrimSpace(string(body)))
				if status == http.StatusNotFound || status == http.StatusTooManyRequests {
					break input
				}
			}
		}
	}

	// Idempotent; the session may already be gone. Closing it ends the
	// stream server-side, which lets buffered events drain first.
	deleteChatSession(ctx, client, opts, created.SessionID)
	select {
	case <-streamDone:
	case <-time.After(streamDrainTimeout):
		stopStream()
		<-streamDone
	}

	if state.hasFailed() {
		return 1
	}
	return 0
}

type streamState struct {
	started   chan struct{}
	startOnce sync.Once

	mu     sync.Mutex
	failed bool
}

func newStreamState() *streamState {
	return &streamState{started: make(chan struct{})}
}

func (s *streamState) markStarted() {
	s.startOnce.Do(func() { close(s.started) })
}

func (s *streamState) markFailed() {
	s.mu.Lock()
	s.failed = true
	s.mu.Unlock()
}

func (s *streamState) hasFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func createChatSession(ctx context.Context, client *http.Client, opts chatOptions) (chatSession, error) {
	payload := map[string]string{}
	if strings.TrimSpace(opts.patientHint) != "" {
		payload["patient_hint"] = strings.TrimSpace(opts.patientHint)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return chatSession{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+"/v1/chat/sessions", bytes.NewReader(body))
	if err != nil {
		return chatSession{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuthHeaders(req, opts.apiKey, opts.accountID)

	resp, err := client.Do(req)
	if err != nil {
		return chatSession{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return chatSession{}, err
	}
	if resp.StatusCode != http.StatusCreated {
		return chatSession{}, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var created chatSession
	if err := json.Unmarshal(raw, &created); err != nil {
		return chatSession{}, fmt.Errorf("decode session: %w", err)
	}
	if created.SessionID == "" {
		return chatSession{}, errors.New("response missing session_id")
	}
	return created, nil
}

func postChatMessage(ctx context.Context, client *http.Client, opts chatOptions, sessionID, text string) (int, []byte, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return 0, nil, err
	}

	url := fmt.Sprintf("%s/v1/chat/sessions/%s/messages", opts.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuthHeaders(req, opts.apiKey, opts.accountID)

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

func deleteChatSession(ctx context.Context, client *http.Client, opts chatOptions, sessionID string) {
	url := fmt.Sprintf("%s/v1/chat/sessions/%s", opts.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return
	}
	setAuthHeaders(req, opts.apiKey, opts.accountID)

	resp, err := client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

func followStream(ctx context.Context, client *http.Client, opts chatOptions, sessionID string, state *streamState) error {
	url := fmt.Sprintf("%s/v1/chat/sessions/%s/stream", opts.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	setAuthHeaders(req, opts.apiKey, opts.accountID)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	return decodeSSE(resp.Body, func(event sseEvent) bool {
		return printEvent(opts.stdout, opts.stderr, event, state)
	})
}

type sseEvent struct {
	Type string
	Data []byte
}

// decodeSSE reads server-sent events and hands each complete event to
// emit. Comment lines (heartbeats) are skipped. emit returning false
// stops the read without error.
func decodeSSE(r io.Reader, emit func(sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event sseEvent
	var data bytes.Buffer
	flush := func() bool {
		if event.Type == "" && data.Len() == 0 {
			return true
		}
		event.Data = append([]byte(nil), data.Bytes()...)
		keep := emit(event)
		event = sseEvent{}
		data.Reset()
		return keep
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "event:"):
			event.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	_ = flush()
	return nil
}

func printEvent(stdout, stderr io.Writer, event sseEvent, state *streamState) bool {
	switch event.Type {
	case "session_start":
		state.markStarted()
		return true
	case "text_delta":
		var payload struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(event.Data, &payload); err == nil {
			_, _ = fmt.Fprint(stdout, payload.Content)
		}
		return true
	case "tool_start":
		var payload struct {
			Tool string `json:"tool"`
		}
		if err := json.Unmarshal(event.Data, &payload); err == nil {
			_, _ = fmt.Fprintf(stderr, "[%s]\n", payload.Tool)
		}
		return true
	case "tool_complete":
		var payload struct {
			Tool       string `json:"tool"`
			DurationMs int64  `json:"duration_ms"`
		}
		if err := json.Unmarshal(event.Data, &payload); err == nil {
			_, _ = fmt.Fprintf(stderr, "[%s done in %dms]\n", payload.Tool, payload.DurationMs)
		}
		return true
	case "final_result":
		var payload struct {
			Statement string   `json:"statement"`
			Intent    string   `json:"intent"`
			Columns   []string `json:"columns"`
			Rows      [][]any  `json:"rows"`
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			_, _ = fmt.Fprintf(stderr, "bad final_result payload: %v\n", err)
			return true
		}
		_, _ = fmt.Fprintln(stdout)
		_, _ = fmt.Fprintf(stderr, "-- %s (%s)\n", payload.Statement, payload.Intent)
		writeResultTable(stdout, payload.Columns, payload.Rows)
		return true
	case "error":
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(event.Data, &payload)
		_, _ = fmt.Fprintf(stderr, "error %s: %s\n", payload.Code, payload.Message)
		state.markFailed()
		return true
	case "done":
		_, _ = fmt.Fprintln(stdout)
		_, _ = fmt.Fprintln(stderr, "session finished")
		return false
	default:
		return true
	}
}

func writeResultTable(w io.Writer, columns []string, rows [][]any) {
	if len(columns) == 0 {
		return
	}
	widths := make([]int, len(columns))
	for i, column := range columns {
		widths[i] = len(column)
	}
	cells := make([][]string, len(rows))
	for r, row := range rows {
		cells[r] = make([]string, len(columns))
		for c := range columns {
			value := ""
			if c < len(row) {
				value = formatCell(row[c])
			}
			cells[r][c] = value
			if len(value) > widths[c] {
				widths[c] = len(value)
			}
		}
	}

	writeRow := func(values []string) {
		parts := make([]string, len(values))
		for i, value := range values {
			parts[i] = fmt.Sprintf("%-*s", widths[i], value)
		}
		_, _ = fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	writeRow(columns)
	for _, row := range cells {
		writeRow(row)
	}
	_, _ = fmt.Fprintf(w, "(%d rows)\n", len(rows))
}

func formatCell(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
