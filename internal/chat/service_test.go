package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/audit"
	"github.com/rudnitski/HealthUp-sub002/internal/llm"
	"github.com/rudnitski/HealthUp-sub002/internal/patient"
	"github.com/rudnitski/HealthUp-sub002/internal/query"
	"github.com/rudnitski/HealthUp-sub002/internal/safety"
	"github.com/rudnitski/HealthUp-sub002/internal/schema"
	"github.com/rudnitski/HealthUp-sub002/internal/session"
	"github.com/rudnitski/HealthUp-sub002/internal/stream"
)

// modelTurn scripts one model response: optional text, then tool calls,
// then either a clean end or a mid-stream error.
type modelTurn struct {
	text     string
	calls    []session.ToolCall
	err      error
	chunkErr error
}

type scriptedModel struct {
	mu     sync.Mutex
	script []modelTurn
	seen   [][]session.Message
}

func (m *scriptedModel) Stream(ctx context.Context, messages []session.Message, tools []llm.Tool) (<-chan llm.Chunk, error) {
	m.mu.Lock()
	turnIdx := len(m.seen)
	snapshot := make([]session.Message, len(messages))
	copy(snapshot, messages)
	m.seen = append(m.seen, snapshot)
	m.mu.Unlock()

	if turnIdx >= len(m.script) {
		return nil, fmt.Errorf("model called %d times, scripted %d", turnIdx+1, len(m.script))
	}
	turn := m.script[turnIdx]
	if turn.err != nil {
		return nil, turn.err
	}

	ch := make(chan llm.Chunk, len(turn.calls)+3)
	if turn.text != "" {
		ch <- llm.Chunk{Text: turn.text}
	}
	for i := range turn.calls {
		call := turn.calls[i]
		ch <- llm.Chunk{ToolCall: &call}
	}
	if turn.chunkErr != nil {
		ch <- llm.Chunk{Err: turn.chunkErr}
	} else {
		ch <- llm.Chunk{Done: true}
	}
	close(ch)
	return ch, nil
}

type fakeEngine struct {
	mu       sync.Mutex
	requests []query.Request
	result   query.Result
	err      error
}

func (e *fakeEngine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, request)
	if e.err != nil {
		return query.Result{}, e.err
	}
	return e.result, nil
}

type stubSchemaProvider struct{ manifest schema.Manifest }

func (s stubSchemaProvider) Manifest(ctx context.Context) (schema.Manifest, error) {
	return s.manifest, nil
}

type stubRegistry struct {
	patients []patient.Patient
	err      error
}

func (s stubRegistry) HealthCheck(ctx context.Context) error { return nil }

func (s stubRegistry) List(ctx context.Context, accountID string) ([]patient.Patient, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.patients, nil
}

func (s stubRegistry) Get(ctx context.Context, accountID, patientID string) (patient.Patient, error) {
	for _, p := range s.patients {
		if p.PatientID == patientID {
			return p, nil
		}
	}
	return patient.Patient{}, patient.ErrNotFound
}

type recordingAudit struct {
	mu      sync.Mutex
	records []audit.Record
	err     error
}

func (a *recordingAudit) Publish(ctx context.Context, record audit.Record) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.records = append(a.records, record)
	return fmt.Sprintf("%d", len(a.records)), nil
}

type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.now
	c.now = c.now.Add(c.step)
	return current
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testRoster() []patient.Patient {
	return []patient.Patient{
		{PatientID: "pat-anna", AccountID: "acct-1", FullName: "Anna Petrova"},
		{PatientID: "pat-boris", AccountID: "acct-1", FullName: "Boris Petrov"},
		{PatientID: "pat-clara", AccountID: "acct-1", FullName: "Clara Meyer"},
	}
}

func testManifest() schema.Manifest {
	return schema.Manifest{Tables: []schema.Table{
		{Name: "lab_result", Description: "one measured analyte per row", Columns: []schema.Column{
			{Name: "patient_id", DataType: "text"},
			{Name: "parameter_name", DataType: "text", Description: "analyte name, e.g. hemoglobin"},
			{Name: "value_numeric", DataType: "numeric", Nullable: true},
			{Name: "measured_at", DataType: "timestamptz"},
		}},
	}}
}

type fixture struct {
	service *Service
	model   *scriptedModel
	engine  *fakeEngine
	audit   *recordingAudit
}

func newFixture(roster []patient.Patient, script []modelTurn) *fixture {
	model := &scriptedModel{script: script}
	engine := &fakeEngine{result: query.Result{
		Columns:  []string{"parameter_name", "value_numeric"},
		Rows:     [][]any{{"hemoglobin", 13.4}},
		Duration: 40 * time.Millisecond,
	}}
	recorder := &recordingAudit{}
	svc := &Service{
		Sessions:  &session.Manager{Logger: discardLogger()},
		Hub:       stream.NewHub(nil),
		Model:     model,
		Schema:    stubSchemaProvider{manifest: testManifest()},
		Patients:  stubRegistry{patients: roster},
		Validator: &safety.Validator{Logger: discardLogger()},
		Engine:    engine,
		Audit:     recorder,
		Config:    Config{ExploreRowCap: 20, DataRowCap: 500, PlotRowCap: 2000, SearchLimit: 12},
		Logger:    discardLogger(),
	}
	return &fixture{service: svc, model: model, engine: engine, audit: recorder}
}

func (f *fixture) create(t *testing.T, hint string) session.Session {
	t.Helper()
	s, err := f.service.CreateSession(context.Background(), "acct-1", hint)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return s
}

// turn drives one full turn synchronously and returns the events it
// pushed, so assertions never race the turn goroutine.
func (f *fixture) turn(t *testing.T, token, text string) []stream.Event {
	t.Helper()
	sub := f.service.Hub.Subscribe(token)
	defer sub.Cancel()

	snap, err := f.service.Sessions.AppendUserMessage(token, text)
	if err != nil {
		t.Fatalf("AppendUserMessage() error = %v", err)
	}
	f.service.runTurn(context.Background(), snap, text)
	return drainEvents(sub)
}

func drainEvents(sub *stream.Subscription) []stream.Event {
	var events []stream.Event
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, event)
		default:
			return events
		}
	}
}

func eventTypes(events []stream.Event) []stream.Type {
	types := make([]stream.Type, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}

func findEvent(events []stream.Event, kind stream.Type) (stream.Event, bool) {
	for _, event := range events {
		if event.Type == kind {
			return event, true
		}
	}
	return stream.Event{}, false
}

func countType(events []stream.Event, kind stream.Type) int {
	n := 0
	for _, event := range events {
		if event.Type == kind {
			n++
		}
	}
	return n
}

func assertTypes(t *testing.T, events []stream.Event, want []stream.Type) {
	t.Helper()
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (full sequence %v)", i, got[i], want[i], got)
		}
	}
}

func toolMessage(t *testing.T, f *fixture, token, callID string) session.Message {
	t.Helper()
	snap, err := f.service.Sessions.Get(token)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	for _, message := range snap.Messages {
		if message.Role == session.RoleTool && message.ToolCallID == callID {
			return message
		}
	}
	t.Fatalf("no tool message for call %s in %d messages", callID, len(snap.Messages))
	return session.Message{}
}

func call(id, name, arguments string) session.ToolCall {
	return session.ToolCall{ID: id, Name: name, Arguments: arguments}
}

func TestCreateSessionAutoBindsSinglePatient(t *testing.T) {
	f := newFixture(testRoster()[:1], nil)
	s := f.create(t, "")

	if s.Scope.PatientID != "pat-anna" {
		t.Fatalf("PatientID = %q, want pat-anna", s.Scope.PatientID)
	}
	if s.AwaitingPick {
		t.Fatal("single-patient session must not await a pick")
	}
	prompt := s.Messages[0].Content
	if !strings.Contains(prompt, "patient_id = 'pat-anna'") {
		t.Fatalf("system prompt missing the scope rule:\n%s", prompt)
	}
	if !strings.Contains(prompt, "TABLE lab_result") {
		t.Fatalf("system prompt missing the schema context:\n%s", prompt)
	}
}

func TestCreateSessionResolvesPatientHint(t *testing.T) {
	f := newFixture(testRoster(), nil)
	s := f.create(t, "boris")

	if s.Scope.PatientID != "pat-boris" {
		t.Fatalf("PatientID = %q, want pat-boris", s.Scope.PatientID)
	}
}

func TestCreateSessionAmbiguousHintLeavesScopeOpen(t *testing.T) {
	f := newFixture(testRoster(), nil)
	s := f.create(t, "petrov")

	if s.Scope.Narrowed() {
		t.Fatalf("ambiguous hint bound patient %s", s.Scope.PatientID)
	}
	if !s.AwaitingPick {
		t.Fatal("unbound multi-patient session must await a pick")
	}
	prompt := s.Messages[0].Content
	if !strings.Contains(prompt, "1. Anna Petrova (patient_id 'pat-anna')") {
		t.Fatalf("system prompt missing the numbered roster:\n%s", prompt)
	}
}

func TestPlainReplyKeepsSessionOpen(t *testing.T) {
	f := newFixture(testRoster()[:1], []modelTurn{
		{text: "I can query hemoglobin, cholesterol, and every other analyte on file."},
	})
	s := f.create(t, "")

	events := f.turn(t, s.Token, "what can you do?")

	assertTypes(t, events, []stream.Type{stream.TypeTextDelta})
	after, err := f.service.Sessions.Get(s.Token)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if after.Busy {
		t.Fatal("turn must release the busy flag")
	}
	last := after.Messages[len(after.Messages)-1]
	if last.Role != session.RoleAssistant || last.Content == "" {
		t.Fatalf("last message = %+v, want assistant reply", last)
	}
}

func TestFinalizeFlowStreamsResultAndCloses(t *testing.T) {
	f := newFixture(testRoster()[:1], []modelTurn{
		{calls: []session.ToolCall{call("c1", "search_schema", `{"query":"hemoglobin"}`)}},
		{text: "Checking the data.", calls: []session.ToolCall{
			call("c2", "run_query", `{"statement":"SELECT parameter_name, value_numeric FROM lab_result"}`),
		}},
		{calls: []session.ToolCall{
			call("c3", "finalize", `{"statement":"SELECT parameter_name, value_numeric FROM lab_result ORDER BY measured_at","intent":"data"}`),
		}},
	})
	s := f.create(t, "")

	events := f.turn(t, s.Token, "show my hemoglobin")

	assertTypes(t, events, []stream.Type{
		stream.TypeToolStart, stream.TypeToolComplete,
		stream.TypeTextDelta,
		stream.TypeToolStart, stream.TypeToolComplete,
		stream.TypeToolStart, stream.TypeToolComplete,
		stream.TypeFinalResult,
		stream.TypeDone,
	})
	if countType(events, stream.TypeDone) != 1 {
		t.Fatal("done must be emitted exactly once")
	}

	if len(f.engine.requests) != 2 {
		t.Fatalf("engine saw %d requests, want 2", len(f.engine.requests))
	}
	explore := f.engine.requests[0]
	if explore.RowCap != 20 {
		t.Fatalf("explore RowCap = %d, want 20", explore.RowCap)
	}
	if explore.Scope.AccountID != "acct-1" || explore.Scope.PatientID != "pat-anna" {
		t.Fatalf("explore scope = %+v", explore.Scope)
	}
	final := f.engine.requests[1]
	if final.RowCap != 500 {
		t.Fatalf("finalize RowCap = %d, want 500", final.RowCap)
	}
	if !strings.HasSuffix(final.Statement, "LIMIT 500") {
		t.Fatalf("finalize statement missing the injected ceiling: %s", final.Statement)
	}

	result, ok := findEvent(events, stream.TypeFinalResult)
	if !ok {
		t.Fatal("no final_result event")
	}
	data := result.Data.(stream.FinalResultData)
	if data.Intent != "data" || data.Statement != final.Statement || len(data.Rows) != 1 {
		t.Fatalf("final result = %+v", data)
	}

	if len(f.audit.records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(f.audit.records))
	}
	record := f.audit.records[0]
	if record.AccountID != "acct-1" || record.PatientID != "pat-anna" || record.SessionID != s.Token {
		t.Fatalf("audit record = %+v", record)
	}
	if record.RowCount != 1 || record.Intent != "data" || record.Duration != 40*time.Millisecond {
		t.Fatalf("audit record = %+v", record)
	}

	if _, err := f.service.Sessions.Get(s.Token); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Get() after finalize = %v, want ErrNotFound", err)
	}

	// The model saw each tool result linked to its call.
	if len(f.model.seen) != 3 {
		t.Fatalf("model called %d times, want 3", len(f.model.seen))
	}
	second := f.model.seen[1]
	feedback := second[len(second)-1]
	if feedback.Role != session.RoleTool || feedback.ToolCallID != "c1" {
		t.Fatalf("second call tail = %+v", feedback)
	}
	if !strings.Contains(feedback.Content, "lab_result") {
		t.Fatalf("schema search feedback = %s", feedback.Content)
	}
}

func TestFinalizeWithoutBindingStaysConversational(t *testing.T) {
	f := newFixture(testRoster(), []modelTurn{
		{calls: []session.ToolCall{
			call("c1", "finalize", `{"statement":"SELECT parameter_name, value_numeric FROM lab_result","intent":"data"}`),
		}},
		{text: "Which patient do you mean: Anna, Boris, or Clara?"},
	})
	s := f.create(t, "")

	events := f.turn(t, s.Token, "show the hemoglobin history")

	if len(f.engine.requests) != 0 {
		t.Fatalf("executor reached without a bound patient: %+v", f.engine.requests)
	}
	for _, kind := range []stream.Type{stream.TypeError, stream.TypeFinalResult, stream.TypeDone} {
		if _, ok := findEvent(events, kind); ok {
			t.Fatalf("unexpected %s event in %v", kind, eventTypes(events))
		}
	}

	feedback := toolMessage(t, f, s.Token, "c1")
	if !strings.Contains(feedback.Content, "SCOPE_REQUIRED") {
		t.Fatalf("feedback = %s, want SCOPE_REQUIRED", feedback.Content)
	}
	after, err := f.service.Sessions.Get(s.Token)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !after.AwaitingPick {
		t.Fatal("session must await a roster pick after the scope rejection")
	}
	if after.Busy {
		t.Fatal("turn must release the busy flag")
	}
}

func TestRunQueryWithoutBindingIsRejected(t *testing.T) {
	f := newFixture(testRoster(), []modelTurn{
		{calls: []session.ToolCall{
			call("c1", "run_query", `{"statement":"SELECT parameter_name FROM lab_result"}`),
		}},
		{text: "Whose results should I look at?"},
	})
	s := f.create(t, "")

	f.turn(t, s.Token, "list recent lab values")

	if len(f.engine.requests) != 0 {
		t.Fatalf("executor reached without a bound patient: %+v", f.engine.requests)
	}
	feedback := toolMessage(t, f, s.Token, "c1")
	if !strings.Contains(feedback.Content, "SCOPE_REQUIRED") {
		t.Fatalf("feedback = %s, want SCOPE_REQUIRED", feedback.Content)
	}
}

func TestPickAfterClarificationBindsAndExecutes(t *testing.T) {
	f := newFixture(testRoster(), []modelTurn{
		{calls: []session.ToolCall{
			call("c1", "run_query", `{"statement":"SELECT parameter_name FROM lab_result"}`),
		}},
		{text: "Which patient: 1. Anna Petrova, 2. Boris Petrov, 3. Clara Meyer?"},
		{calls: []session.ToolCall{
			call("c2", "finalize", `{"statement":"SELECT parameter_name, value_numeric FROM lab_result WHERE patient_id = 'pat-boris'","intent":"data"}`),
		}},
	})
	s := f.create(t, "")

	f.turn(t, s.Token, "show the cholesterol values")
	events := f.turn(t, s.Token, "2")

	if len(f.engine.requests) != 1 {
		t.Fatalf("engine saw %d requests, want 1", len(f.engine.requests))
	}
	request := f.engine.requests[0]
	if request.Scope.PatientID != "pat-boris" {
		t.Fatalf("scope = %+v, want pat-boris", request.Scope)
	}
	if _, ok := findEvent(events, stream.TypeFinalResult); !ok {
		t.Fatalf("no final_result in %v", eventTypes(events))
	}
	if events[len(events)-1].Type != stream.TypeDone {
		t.Fatalf("last event = %s, want done", events[len(events)-1].Type)
	}
	if len(f.audit.records) != 1 || f.audit.records[0].PatientID != "pat-boris" {
		t.Fatalf("audit records = %+v", f.audit.records)
	}
}

func TestOrdinalInsideLongMessageDoesNotBind(t *testing.T) {
	f := newFixture(testRoster(), []modelTurn{
		{calls: []session.ToolCall{
			call("c1", "run_query", `{"statement":"SELECT parameter_name FROM lab_result"}`),
		}},
		{text: "Which patient do you mean?"},
	})
	s := f.create(t, "")

	f.turn(t, s.Token, "show the last 2 results")

	after, err := f.service.Sessions.Get(s.Token)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if after.Scope.Narrowed() {
		t.Fatalf("conversational number bound patient %s", after.Scope.PatientID)
	}
	if len(f.engine.requests) != 0 {
		t.Fatalf("executor reached without a bound patient: %+v", f.engine.requests)
	}
}

func TestNameInFirstMessageBindsPatient(t *testing.T) {
	f := newFixture(testRoster(), []modelTurn{
		{calls: []session.ToolCall{
			call("c1", "finalize", `{"statement":"SELECT parameter_name, value_numeric FROM lab_result WHERE patient_id = 'pat-clara'","intent":"data"}`),
		}},
	})
	s := f.create(t, "")

	events := f.turn(t, s.Token, "show clara's cholesterol")

	if len(f.engine.requests) != 1 {
		t.Fatalf("engine saw %d requests, want 1", len(f.engine.requests))
	}
	if f.engine.requests[0].Scope.PatientID != "pat-clara" {
		t.Fatalf("scope = %+v, want pat-clara", f.engine.requests[0].Scope)
	}
	if _, ok := findEvent(events, stream.TypeFinalResult); !ok {
		t.Fatalf("no final_result in %v", eventTypes(events))
	}
}

func TestFinalizeMutationIsTerminal(t *testing.T) {
	for _, intent := range []string{"data", "plot"} {
		t.Run(intent, func(t *testing.T) {
			f := newFixture(testRoster()[:1], []modelTurn{
				{calls: []session.ToolCall{
					call("c1", "finalize", fmt.Sprintf(`{"statement":"DELETE FROM lab_result","intent":%q}`, intent)),
				}},
			})
			s := f.create(t, "")

			events := f.turn(t, s.Token, "clear my results")

			assertTypes(t, events, []stream.Type{stream.TypeToolStart, stream.TypeError, stream.TypeDone})
			errEvent, _ := findEvent(events, stream.TypeError)
			data := errEvent.Data.(stream.ErrorData)
			if data.Code != safety.CodeNotReadOnly {
				t.Fatalf("error code = %s, want %s", data.Code, safety.CodeNotReadOnly)
			}
			if len(f.engine.requests) != 0 {
				t.Fatalf("rejected statement reached the executor: %+v", f.engine.requests)
			}
			if len(f.audit.records) != 0 {
				t.Fatalf("rejected finalize was audited: %+v", f.audit.records)
			}
			if _, err := f.service.Sessions.Get(s.Token); !errors.Is(err, session.ErrNotFound) {
				t.Fatalf("Get() = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestFinalizeExecutionFailureIsTerminal(t *testing.T) {
	f := newFixture(testRoster()[:1], []modelTurn{
		{calls: []session.ToolCall{
			call("c1", "finalize", `{"statement":"SELECT parameter_name FROM lab_result","intent":"data"}`),
		}},
	})
	f.engine.err = errors.New("connection reset by peer")
	s := f.create(t, "")

	events := f.turn(t, s.Token, "show my labs")

	assertTypes(t, events, []stream.Type{stream.TypeToolStart, stream.TypeError, stream.TypeDone})
	errEvent, _ := findEvent(events, stream.TypeError)
	if code := errEvent.Data.(stream.ErrorData).Code; code != CodeQueryFailed {
		t.Fatalf("error code = %s, want %s", code, CodeQueryFailed)
	}
	if len(f.audit.records) != 0 {
		t.Fatalf("failed finalize was audited: %+v", f.audit.records)
	}
	if _, err := f.service.Sessions.Get(s.Token); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Get() = %v, want ErrNotFound", err)
	}
}

func TestExploreFailureIsRecoverable(t *testing.T) {
	f := newFixture(testRoster()[:1], []modelTurn{
		{calls: []session.ToolCall{
			call("c1", "run_query", `{"statement":"SELECT nope FROM missing"}`),
		}},
		{text: "That table does not exist; let me search the schema."},
	})
	f.engine.err = errors.New(`relation "missing" does not exist`)
	s := f.create(t, "")

	events := f.turn(t, s.Token, "check the nope table")

	assertTypes(t, events, []stream.Type{stream.TypeToolStart, stream.TypeToolComplete, stream.TypeTextDelta})
	feedback := toolMessage(t, f, s.Token, "c1")
	if !strings.Contains(feedback.Content, CodeQueryFailed) {
		t.Fatalf("feedback = %s, want %s", feedback.Content, CodeQueryFailed)
	}
	if _, err := f.service.Sessions.Get(s.Token); err != nil {
		t.Fatalf("session must survive an explore failure: %v", err)
	}
}

func TestModelTransportFailureEndsSession(t *testing.T) {
	f := newFixture(testRoster()[:1], []modelTurn{
		{err: errors.New("dial tcp: connection refused")},
	})
	s := f.create(t, "")

	events := f.turn(t, s.Token, "hello")

	assertTypes(t, events, []stream.Type{stream.TypeError, stream.TypeDone})
	errEvent, _ := findEvent(events, stream.TypeError)
	if code := errEvent.Data.(stream.ErrorData).Code; code != CodeUpstreamError {
		t.Fatalf("error code = %s, want %s", code, CodeUpstreamError)
	}
	if _, err := f.service.Sessions.Get(s.Token); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Get() = %v, want ErrNotFound", err)
	}
}

func TestModelStreamInterruptionEndsSession(t *testing.T) {
	f := newFixture(testRoster()[:1], []modelTurn{
		{text: "Let me ch", chunkErr: errors.New("unexpected EOF")},
	})
	s := f.create(t, "")

	events := f.turn(t, s.Token, "hello")

	assertTypes(t, events, []stream.Type{stream.TypeTextDelta, stream.TypeError, stream.TypeDone})
	errEvent, _ := findEvent(events, stream.TypeError)
	if code := errEvent.Data.(stream.ErrorData).Code; code != CodeUpstreamError {
		t.Fatalf("error code = %s, want %s", code, CodeUpstreamError)
	}
}

func TestTurnTimeoutIsTerminal(t *testing.T) {
	f := newFixture(testRoster()[:1], []modelTurn{
		{calls: []session.ToolCall{
			call("c1", "run_query", `{"statement":"SELECT parameter_name FROM lab_result"}`),
		}},
	})
	clock := &steppingClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), step: 6 * time.Minute}
	f.service.Clock = clock.Now
	f.service.Config.TurnTimeout = 10 * time.Minute
	s := f.create(t, "")

	events := f.turn(t, s.Token, "show everything")

	errEvent, ok := findEvent(events, stream.TypeError)
	if !ok {
		t.Fatalf("no error event in %v", eventTypes(events))
	}
	if code := errEvent.Data.(stream.ErrorData).Code; code != CodeTurnTimeout {
		t.Fatalf("error code = %s, want %s", code, CodeTurnTimeout)
	}
	if events[len(events)-1].Type != stream.TypeDone {
		t.Fatalf("last event = %s, want done", events[len(events)-1].Type)
	}
	if _, err := f.service.Sessions.Get(s.Token); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Get() = %v, want ErrNotFound", err)
	}
}

func TestLogCeilingMidTurnIsTerminal(t *testing.T) {
	f := newFixture(testRoster()[:1], []modelTurn{
		{calls: []session.ToolCall{call("c1", "search_schema", `{"query":"labs"}`)}},
		{calls: []session.ToolCall{call("c2", "search_schema", `{"query":"results"}`)}},
	})
	f.service.Sessions.MaxLogEntries = 6
	s := f.create(t, "")

	events := f.turn(t, s.Token, "find everything")

	if len(f.model.seen) != 2 {
		t.Fatalf("model called %d times, want 2", len(f.model.seen))
	}
	if len(events) < 2 {
		t.Fatalf("events = %v", eventTypes(events))
	}
	errEvent := events[len(events)-2]
	if errEvent.Type != stream.TypeError {
		t.Fatalf("second to last event = %s, want error", errEvent.Type)
	}
	if code := errEvent.Data.(stream.ErrorData).Code; code != CodeMessageLimit {
		t.Fatalf("error code = %s, want %s", code, CodeMessageLimit)
	}
	if events[len(events)-1].Type != stream.TypeDone {
		t.Fatalf("last event = %s, want done", events[len(events)-1].Type)
	}
}

func TestUnknownToolAndBadArgumentsFeedback(t *testing.T) {
	f := newFixture(testRoster()[:1], []modelTurn{
		{calls: []session.ToolCall{
			call("c1", "drop_table", `{}`),
			call("c2", "run_query", `{"statement":`),
		}},
		{text: "Sorry, let me try that again."},
	})
	s := f.create(t, "")

	f.turn(t, s.Token, "do something odd")

	first := toolMessage(t, f, s.Token, "c1")
	if !strings.Contains(first.Content, CodeUnknownTool) {
		t.Fatalf("feedback = %s, want %s", first.Content, CodeUnknownTool)
	}
	second := toolMessage(t, f, s.Token, "c2")
	if !strings.Contains(second.Content, CodeBadArguments) {
		t.Fatalf("feedback = %s, want %s", second.Content, CodeBadArguments)
	}
	if len(f.engine.requests) != 0 {
		t.Fatalf("engine saw %d requests, want 0", len(f.engine.requests))
	}
}

func TestFinalizeUnknownIntentFeedback(t *testing.T) {
	f := newFixture(testRoster()[:1], []modelTurn{
		{calls: []session.ToolCall{
			call("c1", "finalize", `{"statement":"SELECT 1","intent":"chart"}`),
		}},
		{text: "I will answer with a table instead."},
	})
	s := f.create(t, "")

	events := f.turn(t, s.Token, "chart it")

	if _, ok := findEvent(events, stream.TypeDone); ok {
		t.Fatalf("unknown intent must not end the session: %v", eventTypes(events))
	}
	feedback := toolMessage(t, f, s.Token, "c1")
	if !strings.Contains(feedback.Content, CodeInvalidIntent) {
		t.Fatalf("feedback = %s, want %s", feedback.Content, CodeInvalidIntent)
	}
	if len(f.engine.requests) != 0 {
		t.Fatalf("engine saw %d requests, want 0", len(f.engine.requests))
	}
}

func TestPlotFinalizeUsesPlotCap(t *testing.T) {
	f := newFixture(testRoster()[:1], []modelTurn{
		{calls: []session.ToolCall{
			call("c1", "finalize", `{"statement":"SELECT measured_at, value_numeric FROM lab_result","intent":"plot"}`),
		}},
	})
	s := f.create(t, "")

	events := f.turn(t, s.Token, "plot my values over time")

	if len(f.engine.requests) != 1 {
		t.Fatalf("engine saw %d requests, want 1", len(f.engine.requests))
	}
	request := f.engine.requests[0]
	if request.RowCap != 2000 {
		t.Fatalf("RowCap = %d, want 2000", request.RowCap)
	}
	if !strings.HasSuffix(request.Statement, "LIMIT 2000") {
		t.Fatalf("statement missing plot ceiling: %s", request.Statement)
	}
	result, ok := findEvent(events, stream.TypeFinalResult)
	if !ok {
		t.Fatalf("no final_result in %v", eventTypes(events))
	}
	if intent := result.Data.(stream.FinalResultData).Intent; intent != "plot" {
		t.Fatalf("intent = %s, want plot", intent)
	}
}

func TestAuditFailureDoesNotBreakFinalize(t *testing.T) {
	f := newFixture(testRoster()[:1], []modelTurn{
		{calls: []session.ToolCall{
			call("c1", "finalize", `{"statement":"SELECT parameter_name FROM lab_result","intent":"data"}`),
		}},
	})
	f.audit.err = errors.New("outbox unavailable")
	s := f.create(t, "")

	events := f.turn(t, s.Token, "show my labs")

	if _, ok := findEvent(events, stream.TypeFinalResult); !ok {
		t.Fatalf("no final_result in %v", eventTypes(events))
	}
	if events[len(events)-1].Type != stream.TypeDone {
		t.Fatalf("last event = %s, want done", events[len(events)-1].Type)
	}
}

func TestHandleMessageInputErrors(t *testing.T) {
	f := newFixture(testRoster()[:1], nil)
	s := f.create(t, "")

	if err := f.service.HandleMessage(context.Background(), "deadbeef", "hello"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("unknown token error = %v, want ErrNotFound", err)
	}
	if err := f.service.HandleMessage(context.Background(), s.Token, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("blank message error = %v, want ErrEmptyMessage", err)
	}
}

func TestHandleMessageRejectsConcurrentTurn(t *testing.T) {
	f := newFixture(testRoster()[:1], nil)
	s := f.create(t, "")
	if _, err := f.service.Sessions.AppendUserMessage(s.Token, "first"); err != nil {
		t.Fatalf("AppendUserMessage() error = %v", err)
	}

	if err := f.service.HandleMessage(context.Background(), s.Token, "second"); !errors.Is(err, session.ErrBusy) {
		t.Fatalf("error = %v, want ErrBusy", err)
	}
}

func TestHandleMessageUserCeilingClosesStream(t *testing.T) {
	f := newFixture(testRoster()[:1], nil)
	f.service.Sessions.MaxUserMessages = 1
	s := f.create(t, "")
	if _, err := f.service.Sessions.AppendUserMessage(s.Token, "first"); err != nil {
		t.Fatalf("AppendUserMessage() error = %v", err)
	}
	if _, err := f.service.Sessions.FinishTurn(s.Token); err != nil {
		t.Fatalf("FinishTurn() error = %v", err)
	}

	sub := f.service.Hub.Subscribe(s.Token)
	defer sub.Cancel()

	if err := f.service.HandleMessage(context.Background(), s.Token, "one more"); !errors.Is(err, session.ErrMessageLimit) {
		t.Fatalf("error = %v, want ErrMessageLimit", err)
	}

	events := drainEvents(sub)
	assertTypes(t, events, []stream.Type{stream.TypeError, stream.TypeDone})
	if code := events[0].Data.(stream.ErrorData).Code; code != CodeMessageLimit {
		t.Fatalf("error code = %s, want %s", code, CodeMessageLimit)
	}
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("unexpected extra event")
		}
	default:
		t.Fatal("stream left open after the message limit")
	}
}

func TestHandleMessageRunsTurnDetached(t *testing.T) {
	f := newFixture(testRoster()[:1], []modelTurn{
		{calls: []session.ToolCall{
			call("c1", "finalize", `{"statement":"SELECT parameter_name FROM lab_result","intent":"data"}`),
		}},
	})
	s := f.create(t, "")
	sub := f.service.Hub.Subscribe(s.Token)
	defer sub.Cancel()

	ctx, cancel := context.WithCancel(context.Background())
	if err := f.service.HandleMessage(ctx, s.Token, "show my labs"); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	cancel()

	deadline := time.After(2 * time.Second)
	var events []stream.Event
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed early, events %v", eventTypes(events))
			}
			events = append(events, event)
			if event.Type == stream.TypeDone {
				if _, ok := findEvent(events, stream.TypeFinalResult); !ok {
					t.Fatalf("no final_result in %v", eventTypes(events))
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for done, events %v", eventTypes(events))
		}
	}
}

func TestCloseSessionEndsStream(t *testing.T) {
	f := newFixture(testRoster()[:1], nil)
	s := f.create(t, "")
	sub := f.service.Hub.Subscribe(s.Token)

	f.service.CloseSession(s.Token)

	if _, ok := <-sub.Events(); ok {
		t.Fatal("stream must close with the session")
	}
	if _, err := f.service.Sessions.Get(s.Token); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("Get() = %v, want ErrNotFound", err)
	}
}

func TestEvictionAndExpiryNotices(t *testing.T) {
	f := newFixture(nil, nil)

	sub := f.service.Hub.Subscribe("tok-evicted")
	f.service.EndEvicted("tok-evicted")
	events := drainEvents(sub)
	assertTypes(t, events, []stream.Type{stream.TypeError, stream.TypeDone})
	if code := events[0].Data.(stream.ErrorData).Code; code != CodeCapacity {
		t.Fatalf("error code = %s, want %s", code, CodeCapacity)
	}

	sub = f.service.Hub.Subscribe("tok-expired")
	f.service.EndExpired("tok-expired")
	events = drainEvents(sub)
	assertTypes(t, events, []stream.Type{stream.TypeError, stream.TypeDone})
	if code := events[0].Data.(stream.ErrorData).Code; code != CodeSessionExpired {
		t.Fatalf("error code = %s, want %s", code, CodeSessionExpired)
	}
}
