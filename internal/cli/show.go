package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"buildorch/internal/graph"
)

type elementJSON struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	StrictKey string `json:"strict_key,omitempty"`
	WeakKey   string `json:"weak_key,omitempty"`
}

func NewShowCommand(opts *RootOptions) *cobra.Command {
	var deps string
	var keys bool
	cmd := &cobra.Command{
		Use:   "show [element...]",
		Short: "Show elements in build order with their cache status",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, opts, nil)
			if err != nil {
				return err
			}
			defer e.Close()
			scope := e.sess.Config().Scope()
			if cmd.Flags().Changed("deps") {
				if scope, err = graph.ParseScope(deps); err != nil {
					return usageError("invalid --deps", err)
				}
			}
			list, err := e.sess.Show(e.ctx, args, scope)
			if err != nil {
				return usageError("show failed", err)
			}

			if opts.Format == "json" {
				out := make([]elementJSON, 0, len(list))
				for _, st := range list {
					out = append(out, elementJSON{Name: st.Name, Kind: st.Kind, Status: st.Status, StrictKey: st.Keys.Strict, WeakKey: st.Keys.Weak})
				}
				return writeJSON(cmd.OutOrStdout(), out, nil)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, st := range list {
				if keys {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.Status, st.Name, st.Kind, shortKey(st.Keys.Strict))
				} else {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", st.Status, st.Name, st.Kind)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&deps, "deps", "", "dependencies to include: none, build or all")
	cmd.Flags().BoolVar(&keys, "keys", false, "print strict cache keys")
	return cmd
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12]
	}
	if k == "" {
		return "-"
	}
	return k
}
