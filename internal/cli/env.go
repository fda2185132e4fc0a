package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"buildorch/internal/casserver"
	"buildorch/internal/config"
	"buildorch/internal/monitor"
	"buildorch/internal/scheduler"
	"buildorch/internal/session"
)

// runFlags are the scheduler and cache overrides shared by the run commands.
type runFlags struct {
	deps           string
	onError        string
	fetchers       int
	builders       int
	pushers        int
	networkRetries int
	nonStrict      bool
	retryFailed    bool
	remote         string
	push           bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.deps, "deps", "", "dependencies to include: none, build or all")
	fl.StringVar(&f.onError, "on-error", "", "on failure: quit, continue or terminate")
	fl.IntVar(&f.fetchers, "fetchers", 0, "maximum parallel fetch jobs")
	fl.IntVar(&f.builders, "builders", 0, "maximum parallel build jobs")
	fl.IntVar(&f.pushers, "pushers", 0, "maximum parallel push jobs")
	fl.IntVar(&f.networkRetries, "network-retries", 0, "retries of transient network failures")
	fl.BoolVar(&f.nonStrict, "non-strict", false, "accept artifacts recorded under the weak key")
	fl.BoolVar(&f.retryFailed, "retry-failed", false, "rebuild elements whose cached build failed")
	fl.StringVar(&f.remote, "remote", "", "remote cache URL")
	fl.BoolVar(&f.push, "push", false, "push built artifacts to the remote")
}

func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	if fl.Changed("deps") {
		cfg.Build.DependencyScope = f.deps
	}
	if fl.Changed("on-error") {
		cfg.Scheduler.OnError = f.onError
	}
	if fl.Changed("fetchers") {
		cfg.Scheduler.Fetchers = f.fetchers
	}
	if fl.Changed("builders") {
		cfg.Scheduler.Builders = f.builders
	}
	if fl.Changed("pushers") {
		cfg.Scheduler.Pushers = f.pushers
	}
	if fl.Changed("network-retries") {
		cfg.Scheduler.NetworkRetries = f.networkRetries
	}
	if fl.Changed("non-strict") {
		cfg.Build.NonStrict = f.nonStrict
	}
	if fl.Changed("retry-failed") {
		cfg.Build.RetryFailed = f.retryFailed
	}
	if fl.Changed("remote") {
		cfg.Remote.URL = f.remote
	}
	if fl.Changed("push") {
		cfg.Remote.Push = f.push
	}
}

// env is an open session plus everything that has to be torn down with it.
type env struct {
	ctx     context.Context
	sess    *session.Session
	closers []func()
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func openEnv(cmd *cobra.Command, opts *RootOptions, mutate func(*config.Config)) (*env, error) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	e := &env{ctx: ctx, closers: []func(){stop}}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		e.Close()
		return nil, usageError("failed to load configuration", err)
	}
	if mutate != nil {
		mutate(cfg)
		if err := cfg.Validate(); err != nil {
			e.Close()
			return nil, usageError("invalid options", err)
		}
	}

	var sinks []scheduler.EventSink
	if opts.Format == "text" {
		sinks = append(sinks, newProgress(cmd.ErrOrStderr()))
	}
	if opts.Monitor != "" {
		p, err := monitor.Dial(ctx, opts.Monitor)
		if err != nil {
			e.Close()
			return nil, usageError("failed to reach the event feed", err)
		}
		sinks = append(sinks, p)
		e.closers = append(e.closers, func() { _ = p.Close() })
	}
	if opts.MonitorListen != "" {
		hub := monitor.NewHub()
		srv := casserver.NewHTTPServer(opts.MonitorListen, hub)
		go func() {
			if err := srv.Start(); err != nil {
				log.Printf("cli: monitor server: %v", err)
			}
		}()
		sinks = append(sinks, hub)
		e.closers = append(e.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	sess, err := session.Open(ctx, session.Options{
		Config:     cfg,
		ProjectDir: opts.ProjectDir,
		Sink:       monitor.Tee(sinks...),
	})
	if err != nil {
		e.Close()
		return nil, usageError("failed to open project", err)
	}
	e.sess = sess
	e.closers = append(e.closers, func() {
		if err := sess.Close(); err != nil {
			log.Printf("cli: close session: %v", err)
		}
	})
	return e, nil
}

// runError turns a finished run into the command's exit status.
func runError(rep *scheduler.Report, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return runFailure("interrupted", err)
		}
		return usageError("run could not start", err)
	}
	if !rep.OK() {
		return runFailure(fmt.Sprintf("run %s %s with %d failed, %d skipped, %d incomplete",
			rep.RunID, rep.State, len(rep.Failures), len(rep.Skipped), len(rep.Incomplete)), nil)
	}
	return nil
}
