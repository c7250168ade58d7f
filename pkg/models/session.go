package models

import "time"

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusActive       SessionStatus = "active"
	StatusIdle         SessionStatus = "idle"
	StatusTerminating  SessionStatus = "terminating"
	StatusTerminated   SessionStatus = "terminated"
)

// transitions is the directed graph of allowed status changes. Terminated
// is terminal: it has no outgoing edges.
var transitions = map[SessionStatus][]SessionStatus{
	StatusInitializing: {StatusActive, StatusTerminated},
	StatusActive:       {StatusIdle, StatusTerminating},
	StatusIdle:         {StatusActive, StatusTerminating},
	StatusTerminating:  {StatusTerminated},
	StatusTerminated:   {},
}

// CanTransitionTo reports whether the edge s -> to exists in the lifecycle
// graph.
func (s SessionStatus) CanTransitionTo(to SessionStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusTerminated
}

// SessionConfig holds caller-supplied session settings.
type SessionConfig struct {
	MaxConversations   int      `json:"max_conversations" yaml:"max_conversations"`
	TimeoutMinutes     int      `json:"timeout_minutes" yaml:"timeout_minutes"`
	PersistenceEnabled bool     `json:"persistence_enabled" yaml:"persistence_enabled"`
	Features           []string `json:"features,omitempty" yaml:"features,omitempty"`
}

// DefaultSessionConfig returns the session settings used when the caller
// supplies none.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxConversations:   100,
		TimeoutMinutes:     30,
		PersistenceEnabled: true,
	}
}

// HasFeature reports whether the named feature is enabled for the session.
func (c SessionConfig) HasFeature(name string) bool {
	for _, f := range c.Features {
		if f == name {
			return true
		}
	}
	return false
}

// SessionState is the validated state-machine record for one session.
// The ID is immutable after creation; Status changes only through
// Transition, which enforces the lifecycle graph.
type SessionState struct {
	ID                string         `json:"session_id"`
	Status            SessionStatus  `json:"status"`
	Config            SessionConfig  `json:"config"`
	LLMConfig         map[string]any `json:"llm_config,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	ActiveTasks       []string       `json:"active_tasks,omitempty"`
	ConversationCount int            `json:"conversation_count"`
	Error             string         `json:"error,omitempty"`
}

// NewSessionState creates a session record in the initializing state.
func NewSessionState(id string, cfg SessionConfig, llmConfig, metadata map[string]any) *SessionState {
	now := time.Now()
	return &SessionState{
		ID:        id,
		Status:    StatusInitializing,
		Config:    cfg,
		LLMConfig: llmConfig,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the session to a new status, refreshing UpdatedAt.
// An edge not present in the lifecycle graph is rejected with
// InvalidTransitionError and the state is left unchanged.
func (s *SessionState) Transition(to SessionStatus) error {
	if !s.Status.CanTransitionTo(to) {
		return &InvalidTransitionError{From: s.Status, To: to}
	}
	s.Status = to
	s.UpdatedAt = time.Now()
	return nil
}

// Touch refreshes UpdatedAt without changing the status.
func (s *SessionState) Touch() {
	s.UpdatedAt = time.Now()
}

// Clone returns a deep copy safe to hand to readers while the original
// keeps mutating under the session lock.
func (s *SessionState) Clone() *SessionState {
	out := *s
	if s.LLMConfig != nil {
		out.LLMConfig = make(map[string]any, len(s.LLMConfig))
		for k, v := range s.LLMConfig {
			out.LLMConfig[k] = v
		}
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.ActiveTasks != nil {
		out.ActiveTasks = append([]string(nil), s.ActiveTasks...)
	}
	if s.Config.Features != nil {
		out.Config.Features = append([]string(nil), s.Config.Features...)
	}
	return &out
}
