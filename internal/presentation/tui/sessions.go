package tui

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aretw0/termstore/pkg/domain"
	"github.com/muesli/termenv"
)

var statusColors = map[domain.Status]string{
	domain.StatusActive:     "#22c55e",
	domain.StatusConnecting: "#eab308",
	domain.StatusInactive:   "#94a3b8",
	domain.StatusSuspended:  "#818cf8",
	domain.StatusClosed:     "#64748b",
	domain.StatusError:      "#ef4444",
}

// StatusLabel renders a status in its color. The Ascii profile leaves it plain.
func StatusLabel(p termenv.Profile, s domain.Status) string {
	color, ok := statusColors[s]
	if !ok {
		return string(s)
	}
	return p.String(string(s)).Foreground(p.Color(color)).String()
}

// PrintSessions writes one aligned row per session. Focused sessions are
// marked with an asterisk.
func PrintSessions(w io.Writer, p termenv.Profile, sessions []*domain.Session, now time.Time) error {
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "No sessions found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROJECT\tTAB\tMODE\tSTATUS\tUPDATED\tPATH")
	for _, s := range sessions {
		tab := s.TabName
		if s.IsFocused {
			tab += " *"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.ProjectID, tab, s.Mode, StatusLabel(p, s.Status), Ago(now, s.UpdatedAt), s.CurrentPath)
	}
	return tw.Flush()
}

// Ago renders the age of t relative to now, coarsely.
func Ago(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < 0:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

// PrintInfo writes the storage snapshot as a key/value list, tiers indented.
func PrintInfo(w io.Writer, info *domain.StorageInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	writeInfo(tw, info, "")
	return tw.Flush()
}

func writeInfo(w io.Writer, info *domain.StorageInfo, indent string) {
	fmt.Fprintf(w, "%smode\t%s\n", indent, info.Mode)
	if info.Backend != "" {
		fmt.Fprintf(w, "%sbackend\t%s\n", indent, info.Backend)
	}
	fmt.Fprintf(w, "%ssessions\t%d/%d\n", indent, info.TotalSessions, info.MaxSessions)
	fmt.Fprintf(w, "%sprojects\t%d\n", indent, info.Projects)
	fmt.Fprintf(w, "%sfocused\t%d\n", indent, info.FocusedSessions)
	fmt.Fprintf(w, "%ssuspended\t%d\n", indent, info.Suspended)
	for _, s := range []domain.Status{
		domain.StatusConnecting, domain.StatusActive, domain.StatusInactive,
		domain.StatusSuspended, domain.StatusClosed, domain.StatusError,
	} {
		if n := info.ByStatus[s]; n > 0 {
			fmt.Fprintf(w, "%s  %s\t%d\n", indent, s, n)
		}
	}
	if info.CacheEntries > 0 {
		fmt.Fprintf(w, "%scache entries\t%d\n", indent, info.CacheEntries)
	}
	if info.Mode == domain.ModeHybrid {
		fmt.Fprintf(w, "%squeue depth\t%d\n", indent, info.QueueDepth)
		fmt.Fprintf(w, "%sconflicts\t%d\n", indent, info.Conflicts)
	}
	if info.LastFlush != nil {
		fmt.Fprintf(w, "%slast flush\t%s\n", indent, info.LastFlush.Format(time.RFC3339))
	}
	if info.LastSync != nil {
		fmt.Fprintf(w, "%slast sync\t%s\n", indent, info.LastSync.Format(time.RFC3339))
	}
	for _, name := range []string{"local", "durable"} {
		if tier, ok := info.Tiers[name]; ok && tier != nil {
			fmt.Fprintf(w, "%s%s tier\t\n", indent, name)
			writeInfo(w, tier, indent+strings.Repeat(" ", 2))
		}
	}
}
