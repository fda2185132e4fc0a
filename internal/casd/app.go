// Package casd assembles the remote cache server from its configuration.
package casd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"

	"buildorch/internal/casserver"
	"buildorch/internal/config"
	"buildorch/internal/localcas"
	"buildorch/internal/monitor"
)

type App struct {
	server  *casserver.HTTPServer
	handler http.Handler
	hub     *monitor.Hub
	closers []func() error
}

// New opens the configured storage and reference backends and builds the
// routes: the cache protocol at its procedure paths and the event feed at
// cfg.MonitorPath.
func New(ctx context.Context, cfg *config.ServerConfig) (*App, error) {
	a := &App{}
	blobs, refs, err := a.initStores(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	srv := casserver.New(blobs, refs, casserver.Options{AllowUpdates: cfg.AllowUpdates})

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	if cfg.MonitorPath != "" {
		a.hub = monitor.NewHub(monitor.AcceptPublish())
		mux.Handle(cfg.MonitorPath, a.hub)
	}
	a.handler = mux
	a.server = casserver.NewHTTPServer(cfg.Addr, mux)
	log.Printf("casd: storage=%s push=%t", cfg.Storage, cfg.AllowUpdates)
	return a, nil
}

func (a *App) initStores(ctx context.Context, cfg *config.ServerConfig) (casserver.BlobStorage, casserver.RefStore, error) {
	switch cfg.Storage {
	case "s3":
		blobs, err := casserver.NewS3Storage(casserver.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("casd: s3 storage: %w", err)
		}
		log.Printf("casd: s3 bucket=%s endpoint=%s", cfg.S3.Bucket, cfg.S3.Endpoint)
		refs, err := a.postgresRefs(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return blobs, refs, nil
	case "disk":
		store, err := localcas.Open(cfg.StoreConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("casd: open %s: %w", cfg.Root, err)
		}
		a.closers = append(a.closers, store.Close)
		log.Printf("casd: disk storage at %s", filepath.Clean(cfg.Root))
		if cfg.PostgresDSN != "" {
			refs, err := a.postgresRefs(ctx, cfg.PostgresDSN)
			if err != nil {
				return nil, nil, err
			}
			return casserver.NewDiskStorage(store), refs, nil
		}
		return casserver.NewDiskStorage(store), casserver.NewDiskRefs(store), nil
	default:
		return nil, nil, fmt.Errorf("casd: unknown storage %q", cfg.Storage)
	}
}

func (a *App) postgresRefs(ctx context.Context, dsn string) (casserver.RefStore, error) {
	refs, err := casserver.OpenPostgresRefs(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("casd: references: %w", err)
	}
	a.closers = append(a.closers, refs.Close)
	return refs, nil
}

// Handler is the routed handler without the HTTP/2 cleartext wrapper.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Hub() *monitor.Hub { return a.hub }

func (a *App) Start() error {
	return a.server.Start()
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// the backends.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	return errors.Join(err, a.close())
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
