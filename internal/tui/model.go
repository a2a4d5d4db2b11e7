// Package tui implements `concord watch`, a live view of the coordination
// state that refreshes when records change and on a timer so lock countdowns
// keep moving.
package tui

import (
	"context"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Iron-Ham/concord/internal/status"
	"github.com/Iron-Ham/concord/internal/tui/styles"
	"github.com/Iron-Ham/concord/internal/tui/view"
)

// DefaultRefresh is how often the view reloads without a change notification.
const DefaultRefresh = 2 * time.Second

// Source produces snapshots. *coord.Coordinator satisfies it.
type Source interface {
	Status(ctx context.Context, opts status.Options) (status.Snapshot, error)
}

type snapshotMsg struct {
	snap status.Snapshot
	err  error
}

type tickMsg time.Time

type changeMsg struct{}

// Model is the bubbletea model for the watch view.
type Model struct {
	source  Source
	opts    status.Options
	styles  styles.Styles
	refresh time.Duration
	changes <-chan struct{}

	snap     status.Snapshot
	err      error
	loaded   bool
	loads    int
	width    int
	height   int
	offset   int
	quitting bool
}

// NewModel creates a Model. changes may be nil, in which case the view only
// refreshes on the timer.
func NewModel(source Source, opts status.Options, st styles.Styles, refresh time.Duration, changes <-chan struct{}) Model {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return Model{
		source:  source,
		opts:    opts,
		styles:  st,
		refresh: refresh,
		changes: changes,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load(), m.tick(), m.waitForChange())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.load()
		case "j", "down":
			m.offset = min(m.offset+1, m.maxOffset())
			return m, nil
		case "k", "up":
			if m.offset > 0 {
				m.offset--
			}
			return m, nil
		case "g", "home":
			m.offset = 0
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.offset = min(m.offset, m.maxOffset())
		return m, nil

	case snapshotMsg:
		m.loads++
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.snap = msg.snap
		m.err = nil
		m.loaded = true
		m.offset = min(m.offset, m.maxOffset())
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.load(), m.tick())

	case changeMsg:
		return m, tea.Batch(m.load(), m.waitForChange())
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	lines := m.window(m.lines())

	help := m.styles.HelpKey.Render("q") + m.styles.HelpBar.UnsetMarginTop().Render(" quit  ") +
		m.styles.HelpKey.Render("r") + m.styles.HelpBar.UnsetMarginTop().Render(" refresh  ") +
		m.styles.HelpKey.Render("j/k") + m.styles.HelpBar.UnsetMarginTop().Render(" scroll")
	return strings.Join(lines, "\n") + "\n\n" + help
}

// lines renders the unclipped body of the view.
func (m Model) lines() []string {
	var body string
	switch {
	case !m.loaded && m.err == nil:
		body = m.styles.Muted.Render("Loading coordination state…")
	case !m.loaded:
		body = ""
	default:
		body = view.Status(m.styles, m.snap)
	}

	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if m.err != nil {
		lines = append(lines, "", m.styles.Error.Render("refresh failed: "+m.err.Error()))
	}
	return lines
}

// visibleRows is the number of body rows that fit above the help bar, or 0
// when the height is unknown.
func (m Model) visibleRows() int {
	if m.height <= 0 {
		return 0
	}
	return max(m.height-2, 1)
}

// maxOffset is the largest scroll offset that still fills the window.
func (m Model) maxOffset() int {
	rows := m.visibleRows()
	if rows == 0 {
		return 0
	}
	return max(len(m.lines())-rows, 0)
}

// window clips lines to the terminal size, leaving room for the help bar.
func (m Model) window(lines []string) []string {
	if m.width > 0 {
		for i, l := range lines {
			lines[i] = view.Truncate(l, m.width)
		}
	}
	avail := m.visibleRows()
	if avail == 0 {
		return lines
	}
	offset := m.offset
	if maxOffset := len(lines) - avail; offset > maxOffset {
		offset = max(maxOffset, 0)
	}
	end := min(offset+avail, len(lines))
	return lines[offset:end]
}

func (m Model) load() tea.Cmd {
	source, opts := m.source, m.opts
	return func() tea.Msg {
		snap, err := source.Status(context.Background(), opts)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) waitForChange() tea.Cmd {
	if m.changes == nil {
		return nil
	}
	changes := m.changes
	return func() tea.Msg {
		if _, ok := <-changes; !ok {
			return nil
		}
		return changeMsg{}
	}
}
