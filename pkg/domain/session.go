package domain

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a terminal session.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusSuspended  Status = "suspended"
	StatusClosed     Status = "closed"
	StatusError      Status = "error"
)

// IsTerminal reports whether the status is an end state (closed or error).
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusError
}

// CanSuspend reports whether a session in this status may be suspended.
func (s Status) CanSuspend() bool {
	return s == StatusActive || s == StatusConnecting || s == StatusInactive
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusConnecting, StatusActive, StatusInactive, StatusSuspended, StatusClosed, StatusError:
		return true
	}
	return false
}

// Mode classifies what runs inside the terminal.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeClaude Mode = "claude"
)

// Valid reports whether m is exactly one of the supported modes.
func (m Mode) Valid() bool {
	return m == ModeNormal || m == ModeClaude
}

// TabPrefix is the label prefix for generated tab names.
const TabPrefix = "Terminal "

// TabName renders the label for the n-th tab of a project.
func TabName(n int) string {
	return TabPrefix + strconv.Itoa(n)
}

// TabNumber extracts the counter from a generated tab name.
// It returns 0 when the name was not produced by TabName.
func TabNumber(name string) int {
	if !strings.HasPrefix(name, TabPrefix) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, TabPrefix))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// OutputLine is a single timestamped line of terminal output.
type OutputLine struct {
	Text      string    `json:"text"`
	Stream    string    `json:"stream,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandRecord is one entry of a session's command history.
type CommandRecord struct {
	Command    string     `json:"command"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Cursor is a terminal cursor position.
type Cursor struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// SuspensionState is the snapshot captured when a session is suspended.
type SuspensionState struct {
	Output      []string          `json:"output"`
	Cursor      Cursor            `json:"cursor"`
	WorkingDir  string            `json:"workingDir"`
	Environment map[string]string `json:"environment,omitempty"`
	SuspendedAt time.Time         `json:"suspendedAt"`
}

// SuspensionRecord is an archived suspension as kept by durable backends.
// Records are append-only; resume consumes the most recent one.
type SuspensionRecord struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	State     SuspensionState `json:"state"`
}

// Session is one terminal instance, owned by exactly one project.
type Session struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	ProjectPath string `json:"projectPath"`
	UserID      string `json:"userId,omitempty"`

	Mode    Mode   `json:"mode"`
	TabName string `json:"tabName"`

	Status    Status    `json:"status"`
	Active    bool      `json:"active"`
	IsFocused bool      `json:"isFocused"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	CurrentPath string            `json:"currentPath"`
	Cursor      Cursor            `json:"cursor"`
	WSConnected bool              `json:"wsConnected"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`

	Output   []OutputLine    `json:"output,omitempty"`
	Commands []CommandRecord `json:"commands,omitempty"`

	SuspensionState *SuspensionState `json:"suspensionState,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	c.Environment = maps.Clone(s.Environment)
	if s.Output != nil {
		c.Output = append([]OutputLine(nil), s.Output...)
	}
	if s.Commands != nil {
		c.Commands = append([]CommandRecord(nil), s.Commands...)
	}
	if s.SuspensionState != nil {
		st := *s.SuspensionState
		st.Output = append([]string(nil), s.SuspensionState.Output...)
		st.Environment = maps.Clone(s.SuspensionState.Environment)
		c.SuspensionState = &st
	}
	return &c
}

// Protected reports whether the local tier refuses to delete the session.
func (s *Session) Protected() bool {
	return s.Status == StatusActive || s.Status == StatusConnecting || s.IsFocused
}

// OutputText flattens the output buffer into its text lines.
func (s *Session) OutputText() []string {
	lines := make([]string, len(s.Output))
	for i, l := range s.Output {
		lines[i] = l.Text
	}
	return lines
}

// Touch advances UpdatedAt to now, keeping it strictly increasing.
func (s *Session) Touch(now time.Time) {
	if !now.After(s.UpdatedAt) {
		now = s.UpdatedAt.Add(time.Nanosecond)
	}
	s.UpdatedAt = now
}

// Suspend captures the suspension snapshot and moves the session to suspended.
func (s *Session) Suspend(now time.Time) error {
	if !s.Status.CanSuspend() {
		return &StorageError{
			Kind:      ErrInvalidTransition,
			Op:        "suspend",
			SessionID: s.ID,
			Detail:    fmt.Sprintf("cannot suspend session in %q state", s.Status),
		}
	}
	s.SuspensionState = &SuspensionState{
		Output:      s.OutputText(),
		Cursor:      s.Cursor,
		WorkingDir:  s.CurrentPath,
		Environment: maps.Clone(s.Environment),
		SuspendedAt: now,
	}
	s.Status = StatusSuspended
	s.Active = false
	s.Touch(now)
	return nil
}

// Resume restores a suspended session and returns the buffered output.
// The snapshot is discarded once applied.
func (s *Session) Resume(now time.Time) ([]string, error) {
	if s.Status != StatusSuspended {
		return nil, &StorageError{
			Kind:      ErrInvalidTransition,
			Op:        "resume",
			SessionID: s.ID,
			Detail:    fmt.Sprintf("session is %q, not suspended", s.Status),
		}
	}
	if s.SuspensionState == nil {
		return nil, &StorageError{
			Kind:      ErrInvalidTransition,
			Op:        "resume",
			SessionID: s.ID,
			Detail:    "no suspension state recorded",
		}
	}
	st := s.SuspensionState
	buffered := append([]string(nil), st.Output...)
	s.Cursor = st.Cursor
	if st.WorkingDir != "" {
		s.CurrentPath = st.WorkingDir
	}
	if st.Environment != nil {
		s.Environment = maps.Clone(st.Environment)
	}
	s.SuspensionState = nil
	s.Status = StatusActive
	s.Active = true
	s.Touch(now)
	return buffered, nil
}
