package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aretw0/termstore/internal/presentation/tui"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/ports"
)

// ListFilter selects the sessions shown by ListSessions.
type ListFilter struct {
	ProjectID string
	All       bool
	Status    string
	Limit     int
}

// ListSessions prints the sessions of one project, or of every project when
// no project is given.
func ListSessions(ctx context.Context, store ports.SessionStore, filter ListFilter, out Output) error {
	var (
		sessions []*domain.Session
		err      error
	)
	switch {
	case filter.ProjectID != "" && filter.Status == "":
		sessions, err = store.ListSessions(ctx, filter.ProjectID, domain.ListOptions{
			IncludeTerminal: filter.All,
			OrderBy:         domain.OrderByTabName,
			Limit:           filter.Limit,
		})
	default:
		q := domain.Query{ProjectID: filter.ProjectID, Limit: filter.Limit}
		if filter.Status != "" {
			status := domain.Status(filter.Status)
			if !status.Valid() {
				return fmt.Errorf("unknown status %q", filter.Status)
			}
			q.Statuses = []domain.Status{status}
		}
		sessions, err = store.FindSessions(ctx, q)
		if err == nil && !filter.All && filter.Status == "" {
			sessions = dropTerminal(sessions)
		}
	}
	if err != nil {
		return fmt.Errorf("error listing sessions: %w", err)
	}
	if out.JSON {
		return writeJSON(out.W, sessions)
	}
	return tui.PrintSessions(out.W, out.Profile, sessions, time.Now())
}

func dropTerminal(sessions []*domain.Session) []*domain.Session {
	out := sessions[:0]
	for _, s := range sessions {
		if !s.Status.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// Inspect prints one session as indented JSON.
func Inspect(ctx context.Context, store ports.SessionStore, id string, w io.Writer) error {
	sess, err := store.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("error loading session '%s': %w", id, err)
	}
	return writeJSON(w, sess)
}

// Remove deletes sessions one by one and reports every failure.
func Remove(ctx context.Context, store ports.SessionStore, ids []string, w io.Writer) error {
	var errs []error
	for _, id := range ids {
		ok, err := store.DeleteSession(ctx, id)
		switch {
		case errors.Is(err, domain.ErrProtectedState):
			errs = append(errs, fmt.Errorf("session '%s' is protected; close it or remove focus first", id))
		case err != nil:
			errs = append(errs, fmt.Errorf("error removing '%s': %w", id, err))
		case !ok:
			errs = append(errs, fmt.Errorf("session '%s' not found", id))
		default:
			fmt.Fprintf(w, "Removed session '%s'\n", id)
		}
	}
	return errors.Join(errs...)
}

// Suspend snapshots a session.
func Suspend(ctx context.Context, store ports.SessionStore, id string, w io.Writer) error {
	if err := store.SuspendSession(ctx, id); err != nil {
		return fmt.Errorf("error suspending '%s': %w", id, err)
	}
	fmt.Fprintf(w, "Suspended session '%s'\n", id)
	return nil
}

// Resume restores a suspended session and replays its buffered output.
func Resume(ctx context.Context, store ports.SessionStore, id string, out Output) error {
	res, err := store.ResumeSession(ctx, id)
	if err != nil {
		return fmt.Errorf("error resuming '%s': %w", id, err)
	}
	if out.JSON {
		return writeJSON(out.W, res)
	}
	fmt.Fprintf(out.W, "Resumed session '%s' (%s) in %s\n", id, res.Session.TabName, res.Session.CurrentPath)
	if len(res.BufferedOutput) > 0 {
		fmt.Fprintln(out.W, strings.Join(res.BufferedOutput, "\n"))
	}
	return nil
}

// Info prints the storage snapshot and the health of the store.
func Info(ctx context.Context, store ports.SessionStore, out Output) error {
	info, err := store.StorageInfo(ctx)
	if err != nil {
		return fmt.Errorf("error reading storage info: %w", err)
	}
	health := store.HealthCheck(ctx)
	if out.JSON {
		return writeJSON(out.W, map[string]any{"storage": info, "health": health})
	}
	if err := tui.PrintInfo(out.W, info); err != nil {
		return err
	}
	state := "healthy"
	if !health.Healthy {
		state = "unhealthy"
	}
	fmt.Fprintf(out.W, "health  %s (%s)\n", state, health.Latency.Round(time.Microsecond))
	for _, k := range sortedKeys(health.Details) {
		fmt.Fprintf(out.W, "  %s: %s\n", k, health.Details[k])
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
