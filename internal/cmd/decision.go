package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/concord/internal/decision"
	"github.com/Iron-Ham/concord/internal/errors"
	"github.com/Iron-Ham/concord/internal/tui/view"
)

func newDecisionCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decision",
		Short: "Record and read shared architectural decisions",
		Long: `The decision log is an append-only record of choices instances want
their peers to know about, such as an API shape or a library choice.
Entries are never edited; a changed decision is a new entry.`,
	}

	cmd.AddCommand(newDecisionListCommand(root))
	cmd.AddCommand(newDecisionQueryCommand(root))
	cmd.AddCommand(newDecisionAddCommand(root))

	return cmd
}

func newDecisionListCommand(root *RootOptions) *cobra.Command {
	var q decision.Query

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decisions, newest first",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("limit") {
				q.Limit = root.cfg.Decision.DefaultLimit
			}
			entries, err := root.coord.Decisions().Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			p := root.printer()
			return p.emit(nonNil(entries), func() string {
				if len(entries) == 0 {
					return p.styles.Muted.Render("No decisions recorded.")
				}
				return view.Decisions(p.styles, entries, time.Now())
			})
		},
	}

	cmd.Flags().StringVar(&q.Category, "category", "", "Only list decisions in this category")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 0, "Maximum number of decisions (0 lists all; default decision.default_limit)")

	return cmd
}

func newDecisionQueryCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query <decision-id>",
		Short: "Show one decision",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, ok, err := root.coord.Decisions().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("decision %s not found", args[0])
			}
			p := root.printer()
			return p.emit(entry, func() string { return view.Decision(p.styles, entry) })
		},
	}
}

func newDecisionAddCommand(root *RootOptions) *cobra.Command {
	var (
		req    decision.AppendRequest
		status string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a decision to the log",
		Example: `  concord decision add --category api --title "Use cursor pagination" \
    --description "List endpoints take ?after=<id>" --scope internal/api \
    --downstream web,cli`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := decision.ParseStatus(status)
			if err != nil {
				return err
			}
			req.Status = st

			// Decisions may be recorded by an operator with no instance.
			id, err := root.instanceID()
			if err != nil && !errors.Is(err, errors.ErrNoInstance) {
				return err
			}
			req.InstanceID = id

			entry, err := root.coord.Decide(cmd.Context(), req)
			if err != nil {
				return err
			}
			return root.printer().line(entry, "%s", entry.DecisionID)
		},
	}

	cmd.Flags().StringVar(&req.Category, "category", "", "Category such as api, schema or dependency (required)")
	cmd.Flags().StringVar(&req.Title, "title", "", "One-line summary (required)")
	cmd.Flags().StringVar(&req.Description, "description", "", "Full description")
	cmd.Flags().StringVar(&req.Impact.Scope, "scope", "", "Area of the codebase affected")
	cmd.Flags().StringSliceVar(&req.Impact.Downstream, "downstream", nil, "Components that must follow the decision")
	cmd.Flags().StringVar(&status, "status", "", "proposed, accepted, completed or failed (default accepted)")

	return cmd
}
