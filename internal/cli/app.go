package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/network"
	"github.com/kimhsiao/fieldsync/internal/remote"
	"github.com/kimhsiao/fieldsync/internal/server"
	"github.com/kimhsiao/fieldsync/internal/storage"
	"github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/orchestrator"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// Runtime holds everything a command needs once configuration is loaded.
type Runtime struct {
	Config  *config.Config
	Logger  *logging.Logger
	Service *sync.Service
	Hub     *server.Hub

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Runtime) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

// App holds what the CLI commands share.
type App struct {
	// ConfigPath is set by the --config flag.
	ConfigPath string
	Out        io.Writer

	// Bootstrap builds a Runtime from configuration. Defaults to Bootstrap.
	Bootstrap func(ctx context.Context, cfg *config.Config) (*Runtime, error)
}

// NewApp returns an App writing to stdout.
func NewApp() *App {
	return &App{Out: os.Stdout, Bootstrap: Bootstrap}
}

// withRuntime loads configuration, builds the runtime and closes it after fn.
func (a *App) withRuntime(ctx context.Context, fn func(rt *Runtime) error) (err error) {
	cfg, err := config.Load(a.ConfigPath)
	if err != nil {
		return err
	}
	bootstrap := a.Bootstrap
	if bootstrap == nil {
		bootstrap = Bootstrap
	}
	rt, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(rt)
}

// Bootstrap opens storage, the remote client, the connectivity probe and
// the WebSocket hub, and builds the sync service over them.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	logger, logCloser := logging.Open(cfg.LogOptions())
	logging.SetGlobal(logger)

	rt := &Runtime{Config: cfg, Logger: logger}
	rt.onClose(logCloser.Close)

	kv, err := openKV(cfg, rt)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}

	api := remote.NewHTTPClient(remote.HTTPConfig{
		BaseURL:           cfg.API.BaseURL,
		Token:             cfg.API.Token,
		Timeout:           cfg.API.Timeout,
		UserAgent:         "fieldsync/" + Version,
		PhotoMaxDimension: cfg.API.PhotoMaxDimension,
	}, nil, logger)

	probe := network.NewProbeSignal(network.ProbeOptions{
		Address:  cfg.Network.ProbeAddress,
		Interval: cfg.Network.ProbeInterval,
		Logger:   logger,
	})
	if err := probe.Start(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.onClose(func() error { probe.Stop(); return nil })

	rt.Hub = server.NewHub(logger)
	rt.onClose(func() error { rt.Hub.Close(); return nil })

	svc, err := sync.New(ctx, sync.Deps{
		KV:       kv,
		API:      api,
		Signal:   probe,
		Notifier: rt.Hub,
		Logger:   logger,
	}, sync.Settings{
		QueueMaxSize:   cfg.Queue.MaxSize,
		CacheTTL:       cfg.Cache.TTL,
		WaitTimeout:    cfg.Network.WaitTimeout,
		FlushOnEnqueue: cfg.Sync.FlushOnEnqueue,
		Orchestrator: &orchestrator.Config{
			SyncInterval:    cfg.Sync.Interval,
			RefreshInterval: cfg.Sync.RefreshInterval,
			MaxRetries:      cfg.Queue.MaxRetries,
			MaxAge:          cfg.Queue.MaxAge,
		},
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Service = svc
	rt.onClose(func() error { svc.Close(); return nil })

	return rt, nil
}

func openKV(cfg *config.Config, rt *Runtime) (storage.KV, error) {
	switch cfg.Storage.Driver {
	case config.DriverFile:
		kv, err := storage.NewFileKV(filepath.Join(cfg.DataDir, "kv"))
		if err != nil {
			return nil, fmt.Errorf("open file storage: %w", err)
		}
		return kv, nil
	default:
		database, err := db.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		rt.onClose(database.Close)
		return db.NewKVStore(database), nil
	}
}
