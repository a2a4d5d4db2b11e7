// Package view renders coordination state as styled text. The same renderers
// back `concord status` and the live watch view.
package view

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/x/ansi"

	"github.com/Iron-Ham/concord/internal/decision"
	"github.com/Iron-Ham/concord/internal/filelock"
	"github.com/Iron-Ham/concord/internal/registry"
	"github.com/Iron-Ham/concord/internal/status"
	"github.com/Iron-Ham/concord/internal/tui/styles"
)

// maxTaskWidth truncates task descriptions in tables.
const maxTaskWidth = 40

// Status renders a full snapshot.
func Status(st styles.Styles, snap status.Snapshot) string {
	var sb strings.Builder
	now := snap.GeneratedAt

	sb.WriteString(st.Title.Render("Coordination status"))
	meta := fmt.Sprintf("  at %s, staleness window %s", now.Local().Format("15:04:05"), snap.StalenessWindow)
	if snap.LastSweepAt != nil {
		meta += ", last sweep " + Ago(now, *snap.LastSweepAt)
	}
	sb.WriteString(st.Muted.Render(meta))
	sb.WriteString("\n")

	sb.WriteString(section(st, "Instances", len(snap.Instances)))
	if len(snap.Instances) == 0 {
		sb.WriteString(st.Muted.Render("No live instances.") + "\n")
	} else {
		sb.WriteString(instanceStatusTable(st, snap.Instances, now) + "\n")
	}

	if len(snap.StaleInstances) > 0 {
		sb.WriteString(section(st, "Stale instances (awaiting sweep)", len(snap.StaleInstances)))
		sb.WriteString(instanceStatusTable(st, snap.StaleInstances, now) + "\n")
	}

	var active []filelock.Lock
	for _, inst := range snap.Instances {
		active = append(active, inst.Locks...)
	}
	for _, inst := range snap.StaleInstances {
		active = append(active, inst.Locks...)
	}
	sb.WriteString(section(st, "Locks", len(active)))
	if len(active) == 0 {
		sb.WriteString(st.Muted.Render("No files locked.") + "\n")
	} else {
		sb.WriteString(Locks(st, active, now) + "\n")
	}

	if len(snap.OrphanLocks) > 0 {
		sb.WriteString(section(st, "Orphan locks (owner not registered)", len(snap.OrphanLocks)))
		sb.WriteString(Locks(st, snap.OrphanLocks, now) + "\n")
	}
	if len(snap.ExpiredLocks) > 0 {
		sb.WriteString(section(st, "Expired locks (awaiting sweep)", len(snap.ExpiredLocks)))
		sb.WriteString(Locks(st, snap.ExpiredLocks, now) + "\n")
	}

	if len(snap.Decisions) > 0 {
		sb.WriteString(section(st, "Recent decisions", len(snap.Decisions)))
		sb.WriteString(Decisions(st, snap.Decisions, now) + "\n")
	}

	return sb.String()
}

func section(st styles.Styles, title string, n int) string {
	return st.Section.Render(fmt.Sprintf("%s (%d)", title, n)) + "\n"
}

func instanceStatusTable(st styles.Styles, insts []status.InstanceStatus, now time.Time) string {
	rows := make([][]string, 0, len(insts))
	for _, inst := range insts {
		rows = append(rows, []string{
			inst.InstanceID,
			inst.Role,
			orDash(inst.Branch),
			Truncate(orDash(inst.TaskDescription), maxTaskWidth),
			Ago(now, inst.LastHeartbeat),
			fmt.Sprintf("%d", len(inst.Locks)),
		})
	}
	return newTable(st, []string{"INSTANCE", "ROLE", "BRANCH", "TASK", "HEARTBEAT", "LOCKS"}, rows, map[int]lipgloss.Style{0: st.Owner})
}

// Instances renders registry records, marking those outside window as stale.
func Instances(st styles.Styles, insts []registry.Instance, now time.Time, window time.Duration) string {
	rows := make([][]string, 0, len(insts))
	for _, inst := range insts {
		state := "live"
		if !inst.IsLive(now, window) {
			state = "stale"
		}
		rows = append(rows, []string{
			inst.InstanceID,
			inst.Role,
			orDash(inst.Branch),
			Truncate(orDash(inst.TaskDescription), maxTaskWidth),
			Ago(now, inst.LastHeartbeat),
			state,
		})
	}
	return newTable(st, []string{"INSTANCE", "ROLE", "BRANCH", "TASK", "HEARTBEAT", "STATE"}, rows, map[int]lipgloss.Style{0: st.Owner})
}

// Locks renders lock records with their remaining lifetime.
func Locks(st styles.Styles, locks []filelock.Lock, now time.Time) string {
	rows := make([][]string, 0, len(locks))
	for _, l := range locks {
		rows = append(rows, []string{
			l.ResourceKey,
			l.OwnerInstanceID,
			orDash(l.Reason),
			Expiry(now, l),
		})
	}
	return newTable(st, []string{"RESOURCE", "OWNER", "REASON", "EXPIRES"}, rows, map[int]lipgloss.Style{0: st.Resource, 1: st.Owner})
}

// Decisions renders decision entries newest first, as given.
func Decisions(st styles.Styles, entries []decision.Entry, now time.Time) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.DecisionID,
			e.Category,
			Truncate(e.Title, maxTaskWidth),
			string(e.Status),
			orDash(e.MadeBy.Role),
			Ago(now, e.Timestamp),
		})
	}
	return newTable(st, []string{"DECISION", "CATEGORY", "TITLE", "STATUS", "BY", "WHEN"}, rows, nil)
}

// Decision renders one entry in full.
func Decision(st styles.Styles, e decision.Entry) string {
	var sb strings.Builder
	sb.WriteString(st.Title.Render(e.Title) + "\n")
	field := func(label, value string) {
		if value == "" {
			return
		}
		fmt.Fprintf(&sb, "%s %s\n", st.Label.Render(fmt.Sprintf("%-12s", label+":")), value)
	}
	field("ID", e.DecisionID)
	field("Category", e.Category)
	field("Status", string(e.Status))
	field("Made by", strings.TrimSpace(e.MadeBy.InstanceID+" "+parenthesize(e.MadeBy.Role)))
	field("When", e.Timestamp.Local().Format(time.RFC3339))
	field("Scope", e.Impact.Scope)
	field("Downstream", strings.Join(e.Impact.Downstream, ", "))
	if e.Description != "" {
		sb.WriteString("\n" + e.Description + "\n")
	}
	return sb.String()
}

// LockLine is a one-line summary of a lock, used by lock commands.
func LockLine(st styles.Styles, l filelock.Lock, now time.Time) string {
	line := fmt.Sprintf("%s held by %s", st.Resource.Render(l.ResourceKey), st.Owner.Render(l.OwnerInstanceID))
	if l.Reason != "" {
		line += fmt.Sprintf(" (%s)", l.Reason)
	}
	return line + ", " + Expiry(now, l)
}

// Expiry describes when a lock expires relative to now.
func Expiry(now time.Time, l filelock.Lock) string {
	if l.Expired(now) {
		return "expired " + Ago(now, l.ExpiresAt)
	}
	return "in " + l.Remaining(now).Round(time.Second).String()
}

// Ago formats the time elapsed since t.
func Ago(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	if d < time.Second {
		return "just now"
	}
	return d.Round(time.Second).String() + " ago"
}

// Truncate shortens s to at most width cells, marking the cut with "…".
// Escape sequences in s are preserved and do not count toward the width.
func Truncate(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, "…")
}

func newTable(st styles.Styles, headers []string, rows [][]string, columnStyles map[int]lipgloss.Style) string {
	header := st.Label.Bold(true)
	cell := st.Renderer.NewStyle().PaddingRight(2)
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		BorderHeader(false).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header.PaddingRight(2)
			}
			if s, ok := columnStyles[col]; ok {
				return s.PaddingRight(2)
			}
			return cell
		})
	return t.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func parenthesize(s string) string {
	if s == "" {
		return ""
	}
	return "(" + s + ")"
}
