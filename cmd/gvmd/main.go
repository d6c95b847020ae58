// Command gvmd is the GVM lifecycle daemon: it owns the State Store, the
// Process Supervisor, and the HTTP API, and reconciles persisted records
// against live hypervisor processes on startup.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nyxlabs/gvmd/internal/api"
	"github.com/nyxlabs/gvmd/internal/config"
	"github.com/nyxlabs/gvmd/internal/controller"
	"github.com/nyxlabs/gvmd/internal/dispatch"
	"github.com/nyxlabs/gvmd/internal/logging"
	"github.com/nyxlabs/gvmd/internal/qmp"
	"github.com/nyxlabs/gvmd/internal/store"
	"github.com/nyxlabs/gvmd/internal/supervisor"
	"github.com/nyxlabs/gvmd/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gvmd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}

	log := logging.New(os.Stderr, slog.LevelInfo)
	log.Info("starting gvmd", "version", version.Version(), "data_dir", cfg.DataDir)

	if cfg.HypervisorBin == "" {
		log.Warn("hypervisor binary not found on PATH; start will fail until it is installed and gvmd is restarted")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	ctrl := &controller.Controller{
		Store:         st,
		Supervisor:    supervisor.New(),
		QMP:           func(socketPath string) qmp.Client { return qmp.NewUnixClient(socketPath) },
		HypervisorBin: cfg.HypervisorBin,
		DataRoot:      cfg.DataDir,
	}
	disp := dispatch.New(ctrl, st)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reconcile(ctx, log, st, ctrl); err != nil {
		log.Error("startup reconciliation failed", "error", err)
	}

	srv := api.New(disp, func(socketPath string) qmp.Client { return qmp.NewUnixClient(socketPath) }, cfg.DefaultGraceSeconds, log)

	os.Remove(cfg.SocketPath)
	listener, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.SocketPath, err)
	}
	defer os.Remove(cfg.SocketPath)

	httpServer := &http.Server{Handler: srv}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "socket", cfg.SocketPath)
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		return httpServer.Shutdown(context.Background())
	})

	return g.Wait()
}

// reconcile re-associates every persisted record with its hypervisor
// process, concurrently, before the API starts serving requests.
func reconcile(ctx context.Context, log *slog.Logger, st *store.Store, ctrl *controller.Controller) error {
	records, err := st.List()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range records {
		name := r.Name
		g.Go(func() error {
			if _, err := ctrl.Attach(gctx, name); err != nil {
				log.Warn("attach failed", "gvm", name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
