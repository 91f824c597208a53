package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTabNumber(t *testing.T) {
	assert.Equal(t, 12, TabNumber(TabName(12)))
	assert.Equal(t, 0, TabNumber("Shell 3"))
	assert.Equal(t, 0, TabNumber("Terminal x"))
}

func TestSuspendResume(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSession("s1", 1, CreateParams{ProjectID: "p", ProjectPath: "/p", Mode: ModeNormal}, now)
	s.Status = StatusActive
	s.Environment = map[string]string{"TERM": "xterm"}
	ApplyUpdate(s, SessionUpdate{AppendOutput: Lines(now, "Line 1", "Line 2"), Cursor: &Cursor{Row: 2, Col: 7}}, 0, now)

	require.NoError(t, s.Suspend(now.Add(time.Second)))
	assert.Equal(t, StatusSuspended, s.Status)
	assert.False(t, s.Active)
	require.NotNil(t, s.SuspensionState)
	assert.Equal(t, "/p", s.SuspensionState.WorkingDir)
	assert.Equal(t, Cursor{Row: 2, Col: 7}, s.SuspensionState.Cursor)

	s.Environment["TERM"] = "dumb"
	s.Cursor = Cursor{}
	out, err := s.Resume(now.Add(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"Line 1", "Line 2"}, out)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, "xterm", s.Environment["TERM"], "environment restored from snapshot")
	assert.Equal(t, Cursor{Row: 2, Col: 7}, s.Cursor, "cursor restored from snapshot")
	assert.Nil(t, s.SuspensionState)

	_, err = s.Resume(now.Add(3 * time.Second))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSuspend_RejectsTerminalStates(t *testing.T) {
	for _, st := range []Status{StatusClosed, StatusError, StatusSuspended} {
		s := &Session{ID: "x", Status: st}
		assert.ErrorIs(t, s.Suspend(time.Now()), ErrInvalidTransition, st)
	}
}

func TestApplyUpdate_BoundsOutputAndTouches(t *testing.T) {
	now := time.Now()
	s := &Session{UpdatedAt: now}
	var lines []string
	for i := range 5 {
		lines = append(lines, fmt.Sprintf("l%d", i))
	}
	ApplyUpdate(s, SessionUpdate{AppendOutput: Lines(now, lines...)}, 3, now)

	assert.Equal(t, []string{"l2", "l3", "l4"}, s.OutputText())
	assert.True(t, s.UpdatedAt.After(now), "updatedAt strictly increases even with a stale clock")
}

func TestSessionUpdate_RejectsNegativeCursor(t *testing.T) {
	err := SessionUpdate{Cursor: &Cursor{Row: -1}}.Validate()
	assert.ErrorIs(t, err, ErrValidation)
	assert.NoError(t, SessionUpdate{Cursor: &Cursor{Row: 3, Col: 0}}.Validate())
	assert.Contains(t, SessionUpdate{Cursor: &Cursor{}}.Fields(), "cursor")
}

func TestApplyUpdate_StatusDrivesActive(t *testing.T) {
	s := &Session{}
	ApplyUpdate(s, SessionUpdate{Status: Ptr(StatusActive)}, 0, time.Now())
	assert.True(t, s.Active)
	ApplyUpdate(s, SessionUpdate{Status: Ptr(StatusInactive)}, 0, time.Now())
	assert.False(t, s.Active)
}

func TestClone_IsDeep(t *testing.T) {
	s := &Session{
		Metadata:        map[string]any{"a": 1},
		Output:          []OutputLine{{Text: "x"}},
		SuspensionState: &SuspensionState{Output: []string{"x"}},
	}
	c := s.Clone()
	c.Metadata["a"] = 2
	c.Output[0].Text = "y"
	c.SuspensionState.Output[0] = "y"

	assert.Equal(t, 1, s.Metadata["a"])
	assert.Equal(t, "x", s.Output[0].Text)
	assert.Equal(t, "x", s.SuspensionState.Output[0])
}

func TestApplyListOptions(t *testing.T) {
	base := time.Now()
	var sessions []*Session
	for i := 1; i <= 4; i++ {
		sessions = append(sessions, &Session{
			ID:        fmt.Sprintf("id-%d", i),
			TabName:   TabName(i * 5), // 5, 10, 15, 20: lexical order would differ
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base.Add(time.Duration(10-i) * time.Second),
			Status:    StatusActive,
		})
	}
	sessions[0].Status = StatusError

	got := ApplyListOptions(sessions, ListOptions{OrderBy: OrderByTabName})
	assert.Equal(t, []string{"Terminal 10", "Terminal 15", "Terminal 20"}, tabs(got))

	got = ApplyListOptions(sessions, ListOptions{IncludeTerminal: true, OrderBy: OrderByUpdatedAt})
	assert.Equal(t, []string{"id-4", "id-3", "id-2", "id-1"}, ids(got))

	got = ApplyListOptions(sessions, ListOptions{IncludeTerminal: true, Offset: 10})
	assert.Empty(t, got)
}

func TestQueryMatches(t *testing.T) {
	s := &Session{ProjectID: "p", UserID: "u", Mode: ModeClaude, Status: StatusActive, IsFocused: true}
	assert.True(t, Query{}.Matches(s))
	assert.True(t, Query{ProjectID: "p", Statuses: []Status{StatusActive, StatusInactive}, Focused: Ptr(true)}.Matches(s))
	assert.False(t, Query{Mode: ModeNormal}.Matches(s))
	assert.False(t, Query{WSConnected: Ptr(true)}.Matches(s))
}

func TestStorageError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &StorageError{Kind: ErrStorageUnavailable, Op: "get", SessionID: "s1", Err: cause}

	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "get: storage unavailable (session s1): dial tcp: refused", err.Error())

	wrapped := fmt.Errorf("hybrid: %w", NotFound("get", "s2"))
	var se *StorageError
	require.ErrorAs(t, wrapped, &se)
	assert.Equal(t, "s2", se.SessionID)
	assert.False(t, IsRetryable(wrapped))
	assert.True(t, IsRetryable(cause))
}

func TestValidateCreate(t *testing.T) {
	ok := CreateParams{ProjectID: "p", ProjectPath: "/p", Mode: ModeClaude}
	assert.NoError(t, ValidateCreate(ok))

	bad := ok
	bad.Mode = "Normal"
	assert.ErrorIs(t, ValidateCreate(bad), ErrValidation, "mode must match exactly")
}

func TestClock_StrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	c := &Clock{Source: func() time.Time { return fixed }}
	a, b := c.Now(), c.Now()
	assert.True(t, b.After(a))
}

func tabs(ss []*Session) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.TabName
	}
	return out
}

func ids(ss []*Session) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.ID
	}
	return out
}
