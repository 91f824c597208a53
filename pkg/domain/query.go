package domain

import (
	"cmp"
	"slices"
	"strings"
)

// OrderBy names the sort key for listings.
type OrderBy string

const (
	OrderByCreatedAt OrderBy = "createdAt"
	OrderByUpdatedAt OrderBy = "updatedAt"
	OrderByTabName   OrderBy = "tabName"
)

// ListOptions controls ListSessions.
type ListOptions struct {
	// IncludeTerminal keeps closed and errored sessions in the result.
	IncludeTerminal bool
	OrderBy         OrderBy
	Descending      bool
	Offset          int
	// Limit caps the page size; zero means no limit.
	Limit int
}

// Query selects sessions across projects. Zero-valued fields match anything.
type Query struct {
	ProjectID   string
	UserID      string
	Mode        Mode
	Statuses    []Status
	Focused     *bool
	WSConnected *bool
	// Limit caps the number of results; zero means no limit.
	Limit int
}

// Matches reports whether s satisfies every set field of q.
func (q Query) Matches(s *Session) bool {
	if q.ProjectID != "" && s.ProjectID != q.ProjectID {
		return false
	}
	if q.UserID != "" && s.UserID != q.UserID {
		return false
	}
	if q.Mode != "" && s.Mode != q.Mode {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, s.Status) {
		return false
	}
	if q.Focused != nil && s.IsFocused != *q.Focused {
		return false
	}
	if q.WSConnected != nil && s.WSConnected != *q.WSConnected {
		return false
	}
	return true
}

// Filter returns the sessions matching q, honoring q.Limit, in creation order.
func (q Query) Filter(sessions []*Session) []*Session {
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if q.Matches(s) {
			out = append(out, s)
		}
	}
	SortSessions(out, OrderByCreatedAt, false)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// SortSessions orders sessions in place. Ties fall back to the id, which is
// time-ordered.
func SortSessions(sessions []*Session, by OrderBy, desc bool) {
	slices.SortStableFunc(sessions, func(a, b *Session) int {
		var c int
		switch by {
		case OrderByUpdatedAt:
			c = a.UpdatedAt.Compare(b.UpdatedAt)
		case OrderByTabName:
			c = cmp.Compare(TabNumber(a.TabName), TabNumber(b.TabName))
			if c == 0 {
				c = strings.Compare(a.TabName, b.TabName)
			}
		default:
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		if c == 0 {
			c = strings.Compare(a.ID, b.ID)
		}
		if desc {
			return -c
		}
		return c
	})
}

// ApplyListOptions filters, sorts and pages sessions of a single project.
func ApplyListOptions(sessions []*Session, opts ListOptions) []*Session {
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if !opts.IncludeTerminal && s.Status.IsTerminal() {
			continue
		}
		out = append(out, s)
	}
	SortSessions(out, opts.OrderBy, opts.Descending)
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*Session{}
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}
