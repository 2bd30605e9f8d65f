// Package session holds the in-memory conversation state: one Session per
// chat, an ordered message log, the busy flag that serializes turns, and
// the registry with capacity eviction and idle expiry. Nothing here talks
// to the database or the model; side effects stay in the callers.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rudnitski/HealthUp-sub002/internal/observability"
	"github.com/rudnitski/HealthUp-sub002/internal/patient"
	"github.com/rudnitski/HealthUp-sub002/internal/scope"
)

var (
	ErrNotFound     = errors.New("session: not found")
	ErrBusy         = errors.New("session: busy")
	ErrMessageLimit = errors.New("session: message limit reached")
	ErrClosed       = errors.New("session: closed")
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-requested tool invocation recorded on an assistant
// message. Arguments stay raw JSON; the orchestrator decodes them.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// Result is a finalize output buffered on the session while the stream
// delivers it.
type Result struct {
	Statement string
	Intent    string
	Columns   []string
	Rows      [][]any
}

// Session is a snapshot of one conversation. Mutation happens only through
// Manager methods; callers receive copies.
type Session struct {
	Token          string
	AccountID      string
	Scope          scope.Binding
	Roster         []patient.Patient
	AwaitingPick   bool
	Messages       []Message
	UserMessages   int
	Busy           bool
	Closed         bool
	CreatedAt      time.Time
	LastActivityAt time.Time
	PendingResult  *Result
}

// Manager is the lock-protected session registry.
type Manager struct {
	MaxSessions     int
	SessionTTL      time.Duration
	MaxUserMessages int
	MaxLogEntries   int
	Logger          *slog.Logger
	Clock           func() time.Time

	// OnEvict runs after a session is evicted to make room, outside the
	// registry lock. Used to tear down the evicted session's stream.
	OnEvict func(token string)

	mu       sync.Mutex
	sessions map[string]*Session
}

func (m *Manager) ensureDefaults() {
	if m.MaxSessions <= 0 {
		m.MaxSessions = 200
	}
	if m.SessionTTL <= 0 {
		m.SessionTTL = 30 * time.Minute
	}
	if m.MaxUserMessages <= 0 {
		m.MaxUserMessages = 20
	}
	if m.MaxLogEntries <= 0 {
		m.MaxLogEntries = 80
	}
	if m.Clock == nil {
		m.Clock = time.Now
	}
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
}

// Create registers a new session. At capacity the globally oldest session
// (by last activity) is evicted to make room; creation never fails for
// capacity reasons.
func (m *Manager) Create(accountID string, roster []patient.Patient, binding scope.Binding, systemPrompt string) (Session, error) {
	token, err := newToken()
	if err != nil {
		return Session{}, fmt.Errorf("generate session token: %w", err)
	}

	m.mu.Lock()
	m.ensureDefaults()
	now := m.Clock()

	var evicted string
	if len(m.sessions) >= m.MaxSessions {
		evicted = m.evictOldestLocked()
	}

	s := &Session{
		Token:          token,
		AccountID:      accountID,
		Scope:          binding,
		Roster:         roster,
		AwaitingPick:   !binding.Narrowed() && len(roster) > 1,
		Messages:       []Message{{Role: RoleSystem, Content: systemPrompt}},
		CreatedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[token] = s
	snapshot := snapshotLocked(s)
	active := len(m.sessions)
	m.mu.Unlock()

	observability.SessionCreated()
	observability.SetActiveSessions(active)
	if evicted != "" {
		observability.SessionEvicted()
		if m.Logger != nil {
			m.Logger.Warn("session evicted at capacity",
				slog.String("evicted_token", evicted),
				slog.String("new_token", token),
				slog.Int("max_sessions", m.MaxSessions),
			)
		}
		if m.OnEvict != nil {
			m.OnEvict(evicted)
		}
	}
	return snapshot, nil
}

// evictOldestLocked picks the session with the oldest activity. A busy
// victim cannot be yanked mid-turn, so it is flagged closed and reaped when
// its turn finishes; the registry may transiently exceed capacity by the
// number of such in-flight victims.
func (m *Manager) evictOldestLocked() string {
	var oldest *Session
	for _, s := range m.sessions {
		if s.Closed {
			continue
		}
		if oldest == nil || s.LastActivityAt.Before(oldest.LastActivityAt) {
			oldest = s
		}
	}
	if oldest == nil {
		return ""
	}
	oldest.Closed = true
	if !oldest.Busy {
		delete(m.sessions, oldest.Token)
	}
	return oldest.Token
}

// Get returns a snapshot. Sessions idle past the TTL are treated as gone
// even if the sweeper has not run yet.
func (m *Manager) Get(token string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureDefaults()

	s, err := m.liveLocked(token)
	if err != nil {
		return Session{}, err
	}
	return snapshotLocked(s), nil
}

func (m *Manager) liveLocked(token string) (*Session, error) {
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.Busy && m.Clock().Sub(s.LastActivityAt) > m.SessionTTL {
		delete(m.sessions, token)
		return nil, ErrNotFound
	}
	return s, nil
}

// AppendUserMessage records the user message and acquires the busy flag for
// the caller. Exactly one concurrent caller wins; the others get ErrBusy.
// At the user-message ceiling the session closes and ErrMessageLimit is
// returned.
func (m *Manager) AppendUserMessage(token, text string) (Session, error) {
	m.mu.Lock()
	m.ensureDefaults()

	s, err := m.liveLocked(token)
	if err != nil {
		m.mu.Unlock()
		return Session{}, err
	}
	if s.Closed {
		m.mu.Unlock()
		return Session{}, ErrClosed
	}
	if s.Busy {
		m.mu.Unlock()
		return Session{}, ErrBusy
	}
	if s.UserMessages >= m.MaxUserMessages {
		delete(m.sessions, token)
		active := len(m.sessions)
		m.mu.Unlock()
		observability.SetActiveSessions(active)
		return Session{}, ErrMessageLimit
	}

	m.trimLocked(s)
	s.Messages = append(s.Messages, Message{Role: RoleUser, Content: text})
	s.UserMessages++
	s.Busy = true
	s.LastActivityAt = m.Clock()
	snapshot := snapshotLocked(s)
	m.mu.Unlock()
	return snapshot, nil
}

// trimLocked bounds the log between turns: when the cap is reached, keep
// the system message plus the most recent half of the cap so a fresh turn
// always has room to grow before hitting the ceiling.
func (m *Manager) trimLocked(s *Session) {
	if len(s.Messages) < m.MaxLogEntries {
		return
	}
	keep := m.MaxLogEntries / 2
	if keep < 1 {
		keep = 1
	}
	tail := s.Messages[len(s.Messages)-keep:]
	trimmed := make([]Message, 0, keep+1)
	trimmed = append(trimmed, s.Messages[0])
	trimmed = append(trimmed, tail...)
	s.Messages = trimmed
}

// AppendAssistantMessage adds a model reply to the log. ErrMessageLimit is
// returned when the log ceiling is reached; the in-turn loop has no other
// iteration bound.
func (m *Manager) AppendAssistantMessage(token, content string, toolCalls []ToolCall) (Session, error) {
	return m.appendTurnMessage(token, Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls})
}

// AppendToolMessage adds a tool result linked to the assistant tool call.
func (m *Manager) AppendToolMessage(token, toolCallID, toolName, content string) (Session, error) {
	return m.appendTurnMessage(token, Message{
		Role:       RoleTool,
		Content:    content,
		ToolCallID: toolCallID,
		ToolName:   toolName,
	})
}

func (m *Manager) appendTurnMessage(token string, message Message) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureDefaults()

	s, ok := m.sessions[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Closed {
		return Session{}, ErrClosed
	}
	if len(s.Messages) >= m.MaxLogEntries {
		return Session{}, ErrMessageLimit
	}
	s.Messages = append(s.Messages, message)
	return snapshotLocked(s), nil
}

// Bind narrows the session scope to one patient. The binding is immutable
// once set; rebinding to a different patient is an error.
func (m *Manager) Bind(token, patientID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureDefaults()

	s, ok := m.sessions[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.Closed {
		return Session{}, ErrClosed
	}
	if s.Scope.PatientID != "" && s.Scope.PatientID != patientID {
		return Session{}, fmt.Errorf("session scope already bound to patient %s", s.Scope.PatientID)
	}
	s.Scope.PatientID = patientID
	s.AwaitingPick = false
	return snapshotLocked(s), nil
}

// SetAwaitingPick flags that the next user message should be read as a
// roster pick (ordinals allowed).
func (m *Manager) SetAwaitingPick(token string, awaiting bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureDefaults()

	s, ok := m.sessions[token]
	if !ok {
		return ErrNotFound
	}
	s.AwaitingPick = awaiting
	return nil
}

// SetPendingResult buffers the finalize output on the session.
func (m *Manager) SetPendingResult(token string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureDefaults()

	s, ok := m.sessions[token]
	if !ok {
		return ErrNotFound
	}
	s.PendingResult = &result
	return nil
}

// FinishTurn releases the busy flag and bumps activity. When a close was
// requested mid-turn the session is torn down now; the caller learns that
// through the closed return so it can end the stream.
func (m *Manager) FinishTurn(token string) (closed bool, err error) {
	m.mu.Lock()
	m.ensureDefaults()

	s, ok := m.sessions[token]
	if !ok {
		m.mu.Unlock()
		return true, ErrNotFound
	}
	s.Busy = false
	s.LastActivityAt = m.Clock()
	if s.Closed {
		delete(m.sessions, token)
		active := len(m.sessions)
		m.mu.Unlock()
		observability.SetActiveSessions(active)
		return true, nil
	}
	m.mu.Unlock()
	return false, nil
}

// Close tears the session down. Idempotent. A busy session is flagged and
// reaped when its turn finishes so in-flight work is never yanked.
func (m *Manager) Close(token string) error {
	m.mu.Lock()
	m.ensureDefaults()

	s, ok := m.sessions[token]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	s.Closed = true
	if s.Busy {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, token)
	active := len(m.sessions)
	m.mu.Unlock()
	observability.SetActiveSessions(active)
	return nil
}

// SweepExpired removes sessions idle past the TTL and returns their tokens.
// Busy sessions are skipped; their activity timestamp refreshes when the
// turn finishes.
func (m *Manager) SweepExpired() []string {
	m.mu.Lock()
	m.ensureDefaults()

	now := m.Clock()
	var expired []string
	for token, s := range m.sessions {
		if s.Busy {
			continue
		}
		if now.Sub(s.LastActivityAt) > m.SessionTTL {
			delete(m.sessions, token)
			expired = append(expired, token)
		}
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if len(expired) > 0 {
		observability.SetActiveSessions(active)
	}
	return expired
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureDefaults()
	return len(m.sessions)
}

func snapshotLocked(s *Session) Session {
	snapshot := *s
	snapshot.Messages = make([]Message, len(s.Messages))
	copy(snapshot.Messages, s.Messages)
	snapshot.Roster = make([]patient.Patient, len(s.Roster))
	copy(snapshot.Roster, s.Roster)
	if s.PendingResult != nil {
		result := *s.PendingResult
		snapshot.PendingResult = &result
	}
	return snapshot
}

// newToken returns 32 hex characters from crypto/rand, the same shape as
// trace IDs. Unguessable: possession of the token is what authorizes
// stream subscription.
func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
