package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/concord/internal/hook"
)

func newHookCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hook <event>",
		Short: "Handle a host hook event read from stdin",
		Long: fmt.Sprintf(`Hook connects a host's tool dispatcher to concord. Configure the host to
run "concord hook <event>" for each event, passing the event JSON on
stdin. Supported events: %s.

The first event of a session registers an instance for it. A file-writing
tool locks its target before it runs and releases it afterwards; when
another instance holds the file the tool call is denied with the owner and
reason. Ending the session unregisters the instance.`, strings.Join([]string{
			hook.EventSessionStart,
			hook.EventUserPromptSubmit,
			hook.EventPreToolUse,
			hook.EventPostToolUse,
			hook.EventStop,
			hook.EventSessionEnd,
		}, ", ")),
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) > 0 {
				name = args[0]
			}
			ev, err := hook.DecodeEvent(cmd.InOrStdin(), name)
			if err != nil {
				return err
			}

			identity := hook.Identity{
				Role:         root.cfg.Instance.Role,
				Branch:       root.git.Branch,
				WorktreePath: root.git.TopLevel,
			}
			handler := hook.NewHandler(root.coord, identity, hook.WithLogger(root.logger))
			resp, err := handler.Handle(cmd.Context(), ev)
			if err != nil {
				return err
			}
			if resp.Empty() {
				return nil
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
		},
	}
}
