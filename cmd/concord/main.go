// Command concord coordinates concurrent agent processes working in one
// repository.
package main

import (
	"fmt"
	"os"

	"github.com/Iron-Ham/concord/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, "concord:", msg)
		}
		os.Exit(cmd.ExitCode(err))
	}
}
