package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gim/config"
	"gim/db"
	"gim/db/badgerstore"
	"gim/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the messaging server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a.cfg, a.log)
		},
	}
	cmd.Flags().Int("port", 0, "TCP port to listen on")
	cmd.Flags().String("db", "", "database path")
	_ = a.v.BindPFlag("port", cmd.Flags().Lookup("port"))
	_ = a.v.BindPFlag("db.path", cmd.Flags().Lookup("db"))
	return cmd
}

type store interface {
	server.Store
	Close() error
}

func openStore(cfg *config.Config) (store, error) {
	switch cfg.DBDriver {
	case config.DriverBadger:
		return badgerstore.Open(cfg.DBPath)
	default:
		return db.New(cfg.DBPath)
	}
}

func serverConfig(cfg *config.Config) *server.ServerConfig {
	return &server.ServerConfig{
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		RetryAttempts:   cfg.RetryAttempts,
		RetryDelay:      cfg.RetryDelay,
		ShutdownTimeout: cfg.ShutdownTimeout,
		MaxConnections:  cfg.MaxConnections,
		NotifyWorkers:   cfg.NotifyWorkers,
		NotifyQueue:     cfg.NotifyQueue,
	}
}

// runServe serves until SIGINT, SIGTERM or the control socket's shutdown command,
// then drains the server and closes the store.
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer st.Close()

	srv, err := server.New(st, serverConfig(cfg), log)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(listener)
	})
	g.Go(func() error {
		ctl := server.NewControl(cfg.ControlSocket, srv, cancel)
		if err := ctl.Serve(gctx); err != nil {
			log.Warn("control socket unavailable", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
