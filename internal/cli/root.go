// Package cli implements the buildorch command line.
package cli

import (
	"fmt"
	"io"
	"log"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config     string
	ProjectDir string
	Format     string // "text" | "json"
	Verbose    bool
	// Monitor publishes run events to a casd event feed (ws:// URL).
	Monitor string
	// MonitorListen serves the run's events on a local address.
	MonitorListen string
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "buildorch",
		Short: "Build orchestrator with a content-addressed artifact cache",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return usageError(fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			if !opts.Verbose {
				log.SetOutput(io.Discard)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "configuration file")
	cmd.PersistentFlags().StringVarP(&opts.ProjectDir, "directory", "C", ".", "project directory")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log progress to stderr")
	cmd.PersistentFlags().StringVar(&opts.Monitor, "monitor", "", "publish run events to this event feed URL")
	cmd.PersistentFlags().StringVar(&opts.MonitorListen, "monitor-listen", "", "serve run events over websocket on this address")

	cmd.AddCommand(NewBuildCommand(opts))
	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewTrackCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewArtifactCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))

	return cmd
}
