// Package root wires the CLI commands.
package root

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldwork-ai/fieldwork/pkg/version"
)

var debug bool

// NewRootCmd builds the fieldwork command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fieldwork",
		Short:         "Multi-agent research session orchestrator",
		Long:          "fieldwork runs collaborative research sessions: it plans the work, invokes specialist workers over their registered protocols, aggregates their activity into one event stream and pauses for human input when the workflow needs it.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fieldwork %s (commit %s)\n", version.Version, version.Commit)
		},
	}
}
