package cli

import (
	"github.com/spf13/cobra"
)

func NewArtifactCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Inspect cached artifacts",
	}
	cmd.AddCommand(newCheckoutCommand(opts))
	cmd.AddCommand(newLogCommand(opts))
	return cmd
}

func newCheckoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkout <element> <directory>",
		Short: "Write the files of an element's artifact to a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, opts, nil)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.sess.Checkout(e.ctx, args[0], args[1]); err != nil {
				return runFailure("checkout failed", err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"element": args[0], "directory": args[1]}, nil)
			}
			return nil
		},
	}
}

func newLogCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "log <element>",
		Short: "Print the build log recorded in an element's artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, opts, nil)
			if err != nil {
				return err
			}
			defer e.Close()
			log, err := e.sess.Log(e.ctx, args[0])
			if err != nil {
				return runFailure("log unavailable", err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"element": args[0], "log": string(log)}, nil)
			}
			_, err = cmd.OutOrStdout().Write(log)
			return err
		},
	}
}
