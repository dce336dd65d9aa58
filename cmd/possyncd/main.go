package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abhalala/possync/internal/api"
	"github.com/abhalala/possync/internal/backend"
	"github.com/abhalala/possync/internal/config"
	"github.com/abhalala/possync/internal/device"
	"github.com/abhalala/possync/internal/logging"
	"github.com/abhalala/possync/internal/print"
	"github.com/abhalala/possync/internal/store"
	possync "github.com/abhalala/possync/internal/sync"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "possyncd",
		Short: "POS device-communication and offline-sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "possync.yaml", "Path to configuration file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	client, err := backend.NewClient(cfg.Backend, logger.Named("backend"))
	if err != nil {
		return err
	}

	transport := &device.TCPTransport{
		Address:     cfg.Device.Address,
		DisplayName: cfg.Device.Name,
		DialTimeout: cfg.Device.DialTimeout,
	}
	link := device.NewLink(transport, cfg.Device, logger.Named("device"))
	dispatcher := print.NewDispatcher(link, cfg.Device, cfg.Printer, logger.Named("print"))

	bus := possync.NewBus()
	coordinator := possync.NewCoordinator(cfg.Sync, st, client, bus, logger.Named("sync"))

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := coordinator.Start(runCtx); err != nil {
		return err
	}
	defer coordinator.Stop()

	handler := api.NewHandler(coordinator, dispatcher, link, logger.Named("api"))
	router := api.NewRouter(handler, logger.Named("api"))

	// WriteTimeout stays unset: the device and connectivity SSE streams are
	// long-lived. cfg.Server.WriteTimeout bounds graceful shutdown instead.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("possyncd listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
