package domain

import (
	"maps"
	"strings"
	"time"
)

// DefaultMaxOutputLines bounds a session's output buffer when no limit is configured.
const DefaultMaxOutputLines = 1000

// CreateParams are the caller-supplied fields for a new session.
type CreateParams struct {
	ProjectID   string
	ProjectPath string
	UserID      string
	Mode        Mode
	CurrentPath string
	Environment map[string]string
	Metadata    map[string]any
	// AutoFocus focuses the new session when the project is under its focus limit.
	AutoFocus bool
}

// ValidateCreate checks the required creation fields.
func ValidateCreate(p CreateParams) error {
	switch {
	case strings.TrimSpace(p.ProjectID) == "":
		return &StorageError{Kind: ErrValidation, Op: "create", Detail: "projectId is required"}
	case strings.TrimSpace(p.ProjectPath) == "":
		return &StorageError{Kind: ErrValidation, Op: "create", ProjectID: p.ProjectID, Detail: "projectPath is required"}
	case !p.Mode.Valid():
		return &StorageError{Kind: ErrValidation, Op: "create", ProjectID: p.ProjectID, Detail: "mode must be \"normal\" or \"claude\", got \"" + string(p.Mode) + "\""}
	}
	return nil
}

// NewSession builds a session in the connecting state from validated params.
func NewSession(id string, tab int, p CreateParams, now time.Time) *Session {
	path := p.CurrentPath
	if path == "" {
		path = p.ProjectPath
	}
	return &Session{
		ID:          id,
		ProjectID:   p.ProjectID,
		ProjectPath: p.ProjectPath,
		UserID:      p.UserID,
		Mode:        p.Mode,
		TabName:     TabName(tab),
		Status:      StatusConnecting,
		CreatedAt:   now,
		UpdatedAt:   now,
		CurrentPath: path,
		Metadata:    maps.Clone(p.Metadata),
		Environment: maps.Clone(p.Environment),
	}
}

// SessionUpdate is a partial update. Nil fields are left untouched, maps are
// merged key by key, and slices are appended.
type SessionUpdate struct {
	Status      *Status
	Active      *bool
	CurrentPath *string
	Cursor      *Cursor
	WSConnected *bool
	UserID      *string

	Metadata    map[string]any
	Environment map[string]string

	AppendOutput   []OutputLine
	AppendCommands []CommandRecord
}

// Fields lists the names of the fields the update touches, for event payloads.
func (u SessionUpdate) Fields() []string {
	var f []string
	if u.Status != nil {
		f = append(f, "status")
	}
	if u.Active != nil || u.Status != nil {
		f = append(f, "active")
	}
	if u.CurrentPath != nil {
		f = append(f, "currentPath")
	}
	if u.Cursor != nil {
		f = append(f, "cursor")
	}
	if u.WSConnected != nil {
		f = append(f, "wsConnected")
	}
	if u.UserID != nil {
		f = append(f, "userId")
	}
	if len(u.Metadata) > 0 {
		f = append(f, "metadata")
	}
	if len(u.Environment) > 0 {
		f = append(f, "environment")
	}
	if len(u.AppendOutput) > 0 {
		f = append(f, "output")
	}
	if len(u.AppendCommands) > 0 {
		f = append(f, "commands")
	}
	return append(f, "updatedAt")
}

// Validate rejects updates carrying unknown statuses or negative cursor
// coordinates.
func (u SessionUpdate) Validate() error {
	if u.Status != nil && !u.Status.Valid() {
		return &StorageError{Kind: ErrValidation, Op: "update", Detail: "unknown status \"" + string(*u.Status) + "\""}
	}
	if u.Cursor != nil && (u.Cursor.Row < 0 || u.Cursor.Col < 0) {
		return &StorageError{Kind: ErrValidation, Op: "update", Detail: "cursor position must be non-negative"}
	}
	return nil
}

// ApplyUpdate merges u into s, bounds the output buffer to maxOutput lines
// and refreshes UpdatedAt.
func ApplyUpdate(s *Session, u SessionUpdate, maxOutput int, now time.Time) {
	if u.Status != nil {
		s.Status = *u.Status
		s.Active = *u.Status == StatusActive
	}
	if u.Active != nil {
		s.Active = *u.Active
	}
	if u.CurrentPath != nil {
		s.CurrentPath = *u.CurrentPath
	}
	if u.Cursor != nil {
		s.Cursor = *u.Cursor
	}
	if u.WSConnected != nil {
		s.WSConnected = *u.WSConnected
	}
	if u.UserID != nil {
		s.UserID = *u.UserID
	}
	if len(u.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any, len(u.Metadata))
		}
		maps.Copy(s.Metadata, u.Metadata)
	}
	if len(u.Environment) > 0 {
		if s.Environment == nil {
			s.Environment = make(map[string]string, len(u.Environment))
		}
		maps.Copy(s.Environment, u.Environment)
	}
	if len(u.AppendOutput) > 0 {
		s.Output = append(s.Output, u.AppendOutput...)
	}
	if len(u.AppendCommands) > 0 {
		s.Commands = append(s.Commands, u.AppendCommands...)
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputLines
	}
	if over := len(s.Output) - maxOutput; over > 0 {
		s.Output = append([]OutputLine(nil), s.Output[over:]...)
	}
	s.Touch(now)
}

// Lines builds output lines stamped with the given time.
func Lines(at time.Time, text ...string) []OutputLine {
	out := make([]OutputLine, len(text))
	for i, t := range text {
		out[i] = OutputLine{Text: t, Stream: "stdout", Timestamp: at}
	}
	return out
}

// BulkUpdate pairs a session id with its partial update.
type BulkUpdate struct {
	ID     string
	Update SessionUpdate
}

// ResumeResult is returned by a successful resume.
type ResumeResult struct {
	Session        *Session `json:"session"`
	BufferedOutput []string `json:"bufferedOutput"`
}

// Ptr returns a pointer to v. Handy for building SessionUpdate literals.
func Ptr[T any](v T) *T {
	return &v
}
