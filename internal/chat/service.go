// Package chat drives the conversation turns: it loops the tool-calling
// model, gates every statement behind scope resolution and validation,
// and emits the session's event stream. No SQL reaches the executor
// except through this package's tool dispatch.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/audit"
	"github.com/rudnitski/HealthUp-sub002/internal/llm"
	"github.com/rudnitski/HealthUp-sub002/internal/observability"
	"github.com/rudnitski/HealthUp-sub002/internal/patient"
	"github.com/rudnitski/HealthUp-sub002/internal/query"
	"github.com/rudnitski/HealthUp-sub002/internal/safety"
	"github.com/rudnitski/HealthUp-sub002/internal/schema"
	"github.com/rudnitski/HealthUp-sub002/internal/scope"
	"github.com/rudnitski/HealthUp-sub002/internal/session"
	"github.com/rudnitski/HealthUp-sub002/internal/stream"
)

var ErrEmptyMessage = errors.New("chat: empty message")

// Error codes carried on stream error events and tool feedback.
const (
	CodeScopeRequired  = "SCOPE_REQUIRED"
	CodeQueryFailed    = "QUERY_FAILED"
	CodeUpstreamError  = "UPSTREAM_ERROR"
	CodeMessageLimit   = "MESSAGE_LIMIT"
	CodeTurnTimeout    = "TURN_TIMEOUT"
	CodeInvalidIntent  = "INVALID_INTENT"
	CodeUnknownTool    = "UNKNOWN_TOOL"
	CodeBadArguments   = "BAD_ARGUMENTS"
	CodeCapacity       = "CAPACITY"
	CodeSessionExpired = "SESSION_EXPIRED"
)

// Service owns the turn loop. The HTTP layer calls CreateSession,
// HandleMessage, and CloseSession; everything else runs on the turn
// goroutine and talks to the client through the stream hub.
type Service struct {
	Sessions  *session.Manager
	Hub       *stream.Hub
	Model     llm.Client
	Schema    schema.Provider
	Patients  patient.Registry
	Validator *safety.Validator
	Engine    query.Engine
	Audit     audit.Publisher
	Config    Config
	Logger    *slog.Logger
	Clock     func() time.Time
}

type Config struct {
	ExploreRowCap int
	DataRowCap    int
	PlotRowCap    int
	TokenBudget   int
	SearchLimit   int
	TurnTimeout   time.Duration
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Config.ExploreRowCap <= 0 {
		s.Config.ExploreRowCap = 20
	}
	if s.Config.DataRowCap <= 0 {
		s.Config.DataRowCap = 500
	}
	if s.Config.PlotRowCap <= 0 {
		s.Config.PlotRowCap = 2000
	}
	if s.Config.SearchLimit <= 0 {
		s.Config.SearchLimit = 12
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// CreateSession bootstraps a conversation: roster, schema context, and
// the scope binding when it can be resolved without asking (single
// patient, or an unambiguous hint).
func (s *Service) CreateSession(ctx context.Context, accountID, patientHint string) (session.Session, error) {
	s.ensureDefaults()

	roster, err := s.Patients.List(ctx, accountID)
	if err != nil {
		return session.Session{}, fmt.Errorf("list patients: %w", err)
	}
	manifest, err := s.Schema.Manifest(ctx)
	if err != nil {
		return session.Session{}, fmt.Errorf("load schema manifest: %w", err)
	}

	binding := scope.Binding{AccountID: accountID}
	if p, ok := scope.Auto(roster); ok {
		binding.PatientID = p.PatientID
	} else if strings.TrimSpace(patientHint) != "" {
		if p, ok := scope.Resolve(patientHint, roster); ok {
			binding.PatientID = p.PatientID
		}
	}

	prompt := systemPrompt(manifest.Render(s.Config.TokenBudget), roster, binding)
	return s.Sessions.Create(accountID, roster, binding, prompt)
}

// HandleMessage accepts a user message and starts the turn. The error is
// for the HTTP layer to map (ErrBusy, ErrNotFound, ErrMessageLimit); the
// reply itself arrives over the stream, so the turn runs detached from
// the request context.
func (s *Service) HandleMessage(ctx context.Context, token, text string) error {
	s.ensureDefaults()
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	snap, err := s.Sessions.AppendUserMessage(token, text)
	if err != nil {
		if errors.Is(err, session.ErrMessageLimit) {
			s.Hub.Publish(token, stream.ErrorEvent(CodeMessageLimit, "session reached its message limit"))
			s.Hub.Publish(token, stream.Done())
			s.Hub.Close(token)
		}
		return err
	}

	go s.runTurn(context.WithoutCancel(ctx), snap, text)
	return nil
}

// CloseSession tears the session down and ends its stream. Idempotent.
func (s *Service) CloseSession(token string) {
	_ = s.Sessions.Close(token)
	s.Hub.Close(token)
}

// EndEvicted ends the stream of a session evicted to make room.
func (s *Service) EndEvicted(token string) {
	s.Hub.Publish(token, stream.ErrorEvent(CodeCapacity, "session evicted to make room for a new one"))
	s.Hub.Publish(token, stream.Done())
	s.Hub.Close(token)
}

// EndExpired ends the stream of a session reaped by the TTL sweeper.
func (s *Service) EndExpired(token string) {
	s.Hub.Publish(token, stream.ErrorEvent(CodeSessionExpired, "session expired after inactivity"))
	s.Hub.Publish(token, stream.Done())
	s.Hub.Close(token)
}

// runTurn is the per-turn state machine: model call, streamed deltas,
// sequential tool dispatch, repeat until the model stops requesting
// tools or the turn ends terminally.
func (s *Service) runTurn(ctx context.Context, snap session.Session, userText string) {
	token := snap.Token
	start := s.Clock()
	outcome := "reply"
	defer func() {
		observability.ObserveTurn(outcome, s.Clock().Sub(start))
	}()

	var deadline time.Time
	if s.Config.TurnTimeout > 0 {
		deadline = start.Add(s.Config.TurnTimeout)
	}

	s.resolveScope(snap, userText)

	for {
		if s.pastDeadline(deadline) {
			outcome = "timeout"
			s.terminate(token, CodeTurnTimeout, "turn exceeded the configured time limit")
			return
		}

		current, err := s.Sessions.Get(token)
		if err != nil || current.Closed {
			outcome = "closed"
			s.releaseTurn(token)
			return
		}
		if s.Sessions.MaxLogEntries > 0 && len(current.Messages) >= s.Sessions.MaxLogEntries {
			outcome = "message_limit"
			s.terminate(token, CodeMessageLimit, "conversation log is full")
			return
		}

		chunks, err := s.Model.Stream(ctx, current.Messages, toolDefinitions())
		if err != nil {
			outcome = "upstream_error"
			s.logger().ErrorContext(ctx, "model call failed",
				slog.String("session_token", token),
				slog.Any("error", err),
			)
			s.terminate(token, CodeUpstreamError, "the language model is unavailable")
			return
		}

		var text strings.Builder
		var calls []session.ToolCall
		var streamErr error
		for chunk := range chunks {
			switch {
			case chunk.Err != nil:
				streamErr = chunk.Err
			case chunk.ToolCall != nil:
				calls = append(calls, *chunk.ToolCall)
			case chunk.Text != "":
				text.WriteString(chunk.Text)
				s.Hub.Publish(token, stream.TextDelta(chunk.Text))
			}
		}
		if streamErr != nil {
			outcome = "upstream_error"
			s.logger().ErrorContext(ctx, "model stream failed",
				slog.String("session_token", token),
				slog.Any("error", streamErr),
			)
			s.terminate(token, CodeUpstreamError, "the language model response was interrupted")
			return
		}

		if _, err := s.Sessions.AppendAssistantMessage(token, text.String(), calls); err != nil {
			outcome = s.endAppendFailure(token, err)
			return
		}

		if len(calls) == 0 {
			outcome = "reply"
			s.releaseTurn(token)
			return
		}

		for _, call := range calls {
			if s.pastDeadline(deadline) {
				outcome = "timeout"
				s.terminate(token, CodeTurnTimeout, "turn exceeded the configured time limit")
				return
			}

			disp := s.runTool(ctx, current, call)
			switch {
			case disp.terminal != nil:
				outcome = "error"
				s.terminate(token, disp.terminal.Code, disp.terminal.Message)
				return
			case disp.final != nil:
				outcome = "finalized"
				s.completeFinalize(ctx, current, *disp.final, disp.queryTime)
				return
			default:
				if _, err := s.Sessions.AppendToolMessage(token, call.ID, call.Name, disp.feedback); err != nil {
					outcome = s.endAppendFailure(token, err)
					return
				}
			}
		}
	}
}

type toolDisposition struct {
	feedback  string
	rejected  bool
	terminal  *stream.ErrorData
	final     *session.Result
	queryTime time.Duration
}

// runTool publishes the tool lifecycle events around one dispatch.
func (s *Service) runTool(ctx context.Context, snap session.Session, call session.ToolCall) toolDisposition {
	s.Hub.Publish(snap.Token, stream.ToolStart(call.Name, toolParams(call)))

	start := s.Clock()
	var disp toolDisposition
	switch call.Name {
	case toolSearchSchema:
		disp = s.searchSchema(ctx, call)
	case toolRunQuery:
		disp = s.exploreQuery(ctx, snap, call)
	case toolFinalize:
		disp = s.finalizeQuery(ctx, snap, call)
	default:
		disp = toolDisposition{
			rejected: true,
			feedback: errorFeedback(CodeUnknownTool, fmt.Sprintf("tool %q does not exist", call.Name)),
		}
	}
	elapsed := s.Clock().Sub(start)

	label := "ok"
	switch {
	case disp.terminal != nil:
		label = "terminal"
	case disp.rejected:
		label = "rejected"
	}
	observability.ObserveToolCall(call.Name, label, elapsed)

	if disp.terminal == nil {
		s.Hub.Publish(snap.Token, stream.ToolComplete(call.Name, elapsed))
	}
	return disp
}

func (s *Service) searchSchema(ctx context.Context, call session.ToolCall) toolDisposition {
	var args searchSchemaArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return toolDisposition{rejected: true, feedback: errorFeedback(CodeBadArguments, err.Error())}
	}

	manifest, err := s.Schema.Manifest(ctx)
	if err != nil {
		return toolDisposition{rejected: true, feedback: errorFeedback(CodeQueryFailed, "schema manifest unavailable")}
	}

	type schemaMatch struct {
		Table   string `json:"table"`
		Column  string `json:"column,omitempty"`
		Context string `json:"context,omitempty"`
	}
	matches := manifest.Search(args.Query, s.Config.SearchLimit)
	results := make([]schemaMatch, 0, len(matches))
	for _, match := range matches {
		results = append(results, schemaMatch{Table: match.Table, Column: match.Column, Context: match.Context})
	}
	return toolDisposition{feedback: feedbackJSON(toolFeedback{Matches: results})}
}

func (s *Service) exploreQuery(ctx context.Context, snap session.Session, call session.ToolCall) toolDisposition {
	var args runQueryArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return toolDisposition{rejected: true, feedback: errorFeedback(CodeBadArguments, err.Error())}
	}

	if disp, ok := s.scopeGate(snap); !ok {
		return disp
	}

	verdict := s.Validator.Validate(ctx, args.Statement, safety.IntentData, s.requirement(snap))
	if !verdict.OK {
		return toolDisposition{rejected: true, feedback: errorFeedback(verdict.Code, verdict.Message)}
	}

	result, err := s.Engine.Execute(ctx, query.Request{
		Statement: verdict.Statement,
		Scope:     snap.Scope,
		RowCap:    s.Config.ExploreRowCap,
	})
	if err != nil {
		s.logger().WarnContext(ctx, "exploratory query failed",
			slog.String("session_token", snap.Token),
			slog.Any("error", err),
		)
		return toolDisposition{rejected: true, feedback: errorFeedback(CodeQueryFailed, "query execution failed; adjust the statement and try again")}
	}

	count := len(result.Rows)
	return toolDisposition{feedback: feedbackJSON(toolFeedback{
		Columns:  result.Columns,
		Rows:     result.Rows,
		RowCount: &count,
	})}
}

func (s *Service) finalizeQuery(ctx context.Context, snap session.Session, call session.ToolCall) toolDisposition {
	var args finalizeArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return toolDisposition{rejected: true, feedback: errorFeedback(CodeBadArguments, err.Error())}
	}

	var intent safety.Intent
	switch args.Intent {
	case "data":
		intent = safety.IntentData
	case "plot":
		intent = safety.IntentPlot
	default:
		return toolDisposition{rejected: true, feedback: errorFeedback(CodeInvalidIntent, fmt.Sprintf("intent must be \"data\" or \"plot\", got %q", args.Intent))}
	}

	if disp, ok := s.scopeGate(snap); !ok {
		return disp
	}

	verdict := s.Validator.Validate(ctx, args.Statement, intent, s.requirement(snap))
	if !verdict.OK {
		return toolDisposition{
			rejected: true,
			terminal: &stream.ErrorData{Code: verdict.Code, Message: verdict.Message},
		}
	}

	rowCap := s.Config.DataRowCap
	if intent == safety.IntentPlot {
		rowCap = s.Config.PlotRowCap
	}
	result, err := s.Engine.Execute(ctx, query.Request{
		Statement: verdict.Statement,
		Scope:     snap.Scope,
		RowCap:    rowCap,
	})
	if err != nil {
		s.logger().ErrorContext(ctx, "finalize execution failed",
			slog.String("session_token", snap.Token),
			slog.Any("error", err),
		)
		return toolDisposition{
			rejected: true,
			terminal: &stream.ErrorData{Code: CodeQueryFailed, Message: "the final query failed to execute"},
		}
	}

	return toolDisposition{
		final: &session.Result{
			Statement: verdict.Statement,
			Intent:    string(intent),
			Columns:   result.Columns,
			Rows:      result.Rows,
		},
		queryTime: result.Duration,
	}
}

// scopeGate enforces the binding requirement for statement-bearing
// tools. The rejection is conversational: the model is told to ask the
// user, and the next user message is read as a roster pick.
func (s *Service) scopeGate(snap session.Session) (toolDisposition, bool) {
	if len(snap.Roster) <= 1 || snap.Scope.Narrowed() {
		return toolDisposition{}, true
	}
	_ = s.Sessions.SetAwaitingPick(snap.Token, true)
	return toolDisposition{
		rejected: true,
		feedback: errorFeedback(CodeScopeRequired, "no patient is bound to this conversation; ask the user which patient they mean before querying"),
	}, false
}

func (s *Service) requirement(snap session.Session) safety.Requirement {
	return safety.Requirement{PatientCount: len(snap.Roster), PatientID: snap.Scope.PatientID}
}

// resolveScope reads the incoming user message for a patient reference
// and narrows the session when it finds an unambiguous one. The turn
// loop picks the binding up from its next snapshot.
func (s *Service) resolveScope(snap session.Session, text string) {
	if snap.Scope.Narrowed() || len(snap.Roster) == 0 {
		return
	}

	var picked patient.Patient
	var ok bool
	if snap.AwaitingPick {
		picked, ok = scope.ResolvePick(text, snap.Roster)
	} else {
		picked, ok = scope.Resolve(text, snap.Roster)
	}
	if !ok {
		if snap.AwaitingPick {
			// The pick offer is consumed; later ordinals would be guesses.
			_ = s.Sessions.SetAwaitingPick(snap.Token, false)
		}
		return
	}

	if _, err := s.Sessions.Bind(snap.Token, picked.PatientID); err != nil {
		s.logger().Warn("scope bind failed",
			slog.String("session_token", snap.Token),
			slog.Any("error", err),
		)
	}
}

func (s *Service) completeFinalize(ctx context.Context, snap session.Session, result session.Result, queryTime time.Duration) {
	token := snap.Token
	_ = s.Sessions.SetPendingResult(token, result)
	s.Hub.Publish(token, stream.FinalResult(result.Statement, result.Intent, result.Columns, result.Rows))
	s.publishAudit(ctx, snap, result, queryTime)
	s.Hub.Publish(token, stream.Done())
	_ = s.Sessions.Close(token)
	s.releaseTurn(token)
}

// publishAudit records the executed finalize. Failures are logged and
// swallowed: the user already has their result.
func (s *Service) publishAudit(ctx context.Context, snap session.Session, result session.Result, queryTime time.Duration) {
	if s.Audit == nil {
		return
	}
	record := audit.Record{
		AccountID:  snap.AccountID,
		PatientID:  snap.Scope.PatientID,
		SessionID:  snap.Token,
		TraceID:    observability.TraceIDFromContext(ctx),
		Statement:  result.Statement,
		Intent:     result.Intent,
		RowCount:   int64(len(result.Rows)),
		Duration:   queryTime,
		OccurredAt: s.Clock().UTC(),
	}
	if _, err := s.Audit.Publish(ctx, record); err != nil {
		s.logger().ErrorContext(ctx, "audit publish failed",
			slog.String("session_token", snap.Token),
			slog.Any("error", err),
		)
	}
}

// terminate ends the session with a user-visible error: error event,
// done, teardown.
func (s *Service) terminate(token, code, message string) {
	s.Hub.Publish(token, stream.ErrorEvent(code, message))
	s.Hub.Publish(token, stream.Done())
	_ = s.Sessions.Close(token)
	s.releaseTurn(token)
}

// releaseTurn drops the busy flag. When a close was requested mid-turn
// the manager reaps the session here and the stream ends with it.
func (s *Service) releaseTurn(token string) {
	closed, err := s.Sessions.FinishTurn(token)
	if err != nil {
		return
	}
	if closed {
		s.Hub.Close(token)
	}
}

func (s *Service) endAppendFailure(token string, err error) string {
	if errors.Is(err, session.ErrMessageLimit) {
		s.terminate(token, CodeMessageLimit, "conversation log is full")
		return "message_limit"
	}
	s.releaseTurn(token)
	return "closed"
}

func (s *Service) pastDeadline(deadline time.Time) bool {
	return !deadline.IsZero() && s.Clock().After(deadline)
}

func toolParams(call session.ToolCall) map[string]any {
	params := map[string]any{}
	if err := json.Unmarshal([]byte(call.Arguments), &params); err != nil {
		return nil
	}
	return params
}
