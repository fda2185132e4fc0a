package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewCacheCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clean the local artifact cache",
	}
	cmd.AddCommand(newCacheStatusCommand(opts))
	cmd.AddCommand(newCacheGCCommand(opts))
	return cmd
}

type usageJSON struct {
	Directory string `json:"directory"`
	Bytes     int64  `json:"bytes"`
	Blobs     int64  `json:"blobs"`
	Refs      int64  `json:"refs"`
	Quota     int64  `json:"quota"`
	Watermark int64  `json:"watermark"`
	Remote    bool   `json:"remote"`
	CanPush   bool   `json:"can_push"`
}

func newCacheStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print cache usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, opts, nil)
			if err != nil {
				return err
			}
			defer e.Close()
			c := e.sess.Cache()
			u, err := c.Usage(e.ctx)
			if err != nil {
				return usageError("cache status", err)
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), usageJSON{
					Directory: c.Local().Root(),
					Bytes:     u.Bytes,
					Blobs:     u.Blobs,
					Refs:      u.Refs,
					Quota:     u.Quota,
					Watermark: u.Watermark,
					Remote:    c.HasRemote(),
					CanPush:   c.CanPush(),
				}, nil)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "directory: %s\n", c.Local().Root())
			fmt.Fprintf(w, "used:      %s in %d blobs, %d refs\n", formatBytes(u.Bytes), u.Blobs, u.Refs)
			fmt.Fprintf(w, "quota:     %s (cleanup to %s)\n", formatBytes(u.Quota), formatBytes(u.Watermark))
			switch {
			case c.CanPush():
				fmt.Fprintln(w, "remote:    read-write")
			case c.HasRemote():
				fmt.Fprintln(w, "remote:    read-only")
			}
			return nil
		},
	}
}

func newCacheGCCommand(opts *RootOptions) *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Evict least recently used artifacts down to the low watermark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, opts, nil)
			if err != nil {
				return err
			}
			defer e.Close()
			c := e.sess.Cache()
			freed, err := c.Cleanup(e.ctx)
			if err != nil {
				return runFailure("cleanup failed", err)
			}
			if prune {
				n, err := c.Local().Prune(e.ctx)
				if err != nil {
					return runFailure("prune failed", err)
				}
				freed += n
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]int64{"freed_bytes": freed}, nil)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "freed %s\n", formatBytes(freed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "also remove blobs no ref reaches")
	return cmd
}

func formatBytes(n int64) string {
	if n < 0 {
		return "unlimited"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 3; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(n)/float64(div), "KMGT"[exp])
}
