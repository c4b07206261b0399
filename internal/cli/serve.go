package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"portbroker/internal/config"
	"portbroker/internal/gateway"
	"portbroker/internal/logbus"
	"portbroker/internal/logging"
	"portbroker/internal/metrics"
	"portbroker/internal/registry"
)

func newServeCommand(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long:  `Start the HTTP gateway. Routing comes from ROUTING_FILE or MYSQL_DSN and is refreshed every REFRESH_INTERVAL.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.envFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides HTTP_ADDR")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, closeSrc, err := openSource(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer closeSrc()

	m := metrics.New()
	reg := registry.New()
	reg.OnPublish(func(s *registry.Snapshot) { m.SetSnapshotVersion(s.Version) })
	snap, err := reg.Refresh(ctx, src)
	if err != nil {
		return err
	}
	logger.Info("routing loaded", "version", snap.Version, "providers", len(snap.Providers()))
	go reg.Watch(ctx, src, cfg.RefreshInterval, logger)

	bus := logbus.New(500)
	gw := gateway.New(gateway.Options{
		Registry:       reg,
		Client:         &http.Client{},
		StreamMaxBytes: cfg.StreamMaxBytes,
		Metrics:        m,
		Bus:            bus,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: NewRouter(ServerDeps{
			Gateway:            gw,
			Metrics:            m,
			Bus:                bus,
			Logger:             logger,
			ClientToken:        cfg.ClientToken,
			CORSAllowedOrigins: cfg.CORSAllowedOrigins,
			MaxBodyBytes:       cfg.MaxBodyBytes,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
