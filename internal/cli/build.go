package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"buildorch/internal/artifactcache"
	"buildorch/internal/config"
	"buildorch/internal/graph"
	"buildorch/internal/scheduler"
	"buildorch/internal/session"
)

type runFunc func(ctx context.Context, s *session.Session, targets []string, scope graph.Scope) (*scheduler.Report, error)

func newRunCommand(opts *RootOptions, use, short string, run runFunc, extra func(*cobra.Command)) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   use + " [element...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd, opts, func(cfg *config.Config) { flags.apply(cmd, cfg) })
			if err != nil {
				return err
			}
			defer e.Close()
			rep, runErr := run(e.ctx, e.sess, args, e.sess.Config().Scope())
			if err := writeReport(cmd.OutOrStdout(), opts.Format, rep, runErr); err != nil {
				return err
			}
			if errors.Is(runErr, artifactcache.ErrNoRemote) {
				return usageError("no writable remote cache", runErr)
			}
			return runError(rep, runErr)
		},
	}
	flags.register(cmd)
	if extra != nil {
		extra(cmd)
	}
	return cmd
}

func NewBuildCommand(opts *RootOptions) *cobra.Command {
	var track bool
	cmd := newRunCommand(opts, "build", "Build elements and their dependencies",
		func(ctx context.Context, s *session.Session, targets []string, scope graph.Scope) (*scheduler.Report, error) {
			return s.Build(ctx, targets, session.BuildOptions{Track: track, Scope: &scope})
		},
		func(cmd *cobra.Command) {
			cmd.Flags().BoolVar(&track, "track", false, "track sources before building")
		})
	cmd.Long = `Build the given elements, or every element of the project.

Each element is looked up in the artifact cache by its strict key first.
Cache misses are pulled from the remote when one is configured, otherwise
their sources are fetched and they are built once their build
dependencies are cached.

Example:
  buildorch build app
  buildorch build --track --on-error continue --builders 8`
	return cmd
}

func NewFetchCommand(opts *RootOptions) *cobra.Command {
	return newRunCommand(opts, "fetch", "Fetch element sources into the cache",
		func(ctx context.Context, s *session.Session, targets []string, scope graph.Scope) (*scheduler.Report, error) {
			return s.Fetch(ctx, targets, scope)
		}, nil)
}

func NewTrackCommand(opts *RootOptions) *cobra.Command {
	return newRunCommand(opts, "track", "Resolve new source refs and record them in project.refs",
		func(ctx context.Context, s *session.Session, targets []string, scope graph.Scope) (*scheduler.Report, error) {
			return s.Track(ctx, targets, scope)
		}, nil)
}

func NewPushCommand(opts *RootOptions) *cobra.Command {
	return newRunCommand(opts, "push", "Push cached artifacts to the remote cache",
		func(ctx context.Context, s *session.Session, targets []string, scope graph.Scope) (*scheduler.Report, error) {
			return s.Push(ctx, targets, scope)
		}, nil)
}
