package tui

import (
	"context"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Iron-Ham/concord/internal/logging"
	"github.com/Iron-Ham/concord/internal/status"
	"github.com/Iron-Ham/concord/internal/tui/styles"
	"github.com/Iron-Ham/concord/internal/tui/view"
)

// Options configures the watch view.
type Options struct {
	// Dir is the coordination root to watch for changes.
	Dir string
	// Status controls what each snapshot includes.
	Status status.Options
	// Refresh is the timer-driven reload interval.
	Refresh time.Duration
	// Color is the output.color mode.
	Color  string
	Logger *logging.Logger
}

// App wraps the Bubbletea program
type App struct {
	program *tea.Program
	model   Model
	watcher *Watcher
}

// New creates the watch application. A coordination root that cannot be
// watched degrades to timer-only refresh.
func New(source Source, in io.Reader, out io.Writer, opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	var changes <-chan struct{}
	w, err := NewWatcher(opts.Dir, DefaultDebounce, logger)
	if err != nil {
		logger.Warn("watching coordination root failed; refreshing on a timer only", "dir", opts.Dir, "error", err)
	} else {
		changes = w.Changes()
	}

	model := NewModel(source, opts.Status, styles.New(out, opts.Color), opts.Refresh, changes)
	return &App{
		model:   model,
		watcher: w,
		program: tea.NewProgram(model, tea.WithAltScreen(), tea.WithInput(in), tea.WithOutput(out)),
	}
}

// Run starts the TUI application and blocks until the user quits or ctx
// ends.
func (a *App) Run(ctx context.Context) error {
	if a.watcher != nil {
		a.watcher.Start()
		defer a.watcher.Stop()
	}

	go func() {
		<-ctx.Done()
		a.program.Quit()
	}()

	if _, err := a.program.Run(); err != nil {
		return fmt.Errorf("watch view: %w", err)
	}
	return nil
}

// RunPlain prints a snapshot every refresh until ctx ends. It serves
// `concord watch` when stdout is not a terminal.
func RunPlain(ctx context.Context, source Source, out io.Writer, opts Options) error {
	refresh := opts.Refresh
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	st := styles.New(out, opts.Color)

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		snap, err := source.Status(ctx, opts.Status)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(out, view.Status(st, snap)); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
