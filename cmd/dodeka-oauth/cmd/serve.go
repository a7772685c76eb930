package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	oauth "github.com/dsav-dodeka/dodeka-oauth"
	"github.com/dsav-dodeka/dodeka-oauth/instrumentation"
	"github.com/dsav-dodeka/dodeka-oauth/security"
	"github.com/dsav-dodeka/dodeka-oauth/startup"
)

var provisionOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authorization server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&provisionOnStart, "provision", false, "provision keys and the OPAQUE setup if this is the first process to start")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))
	logger := rt.logger

	first, err := startup.Run(ctx, rt.stores.locks, rt.keys, rt.provisioner(), startup.Options{
		Provision: provisionOnStart,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	opaqueServer, err := startup.LoadOPAQUE(ctx, rt.stores.keys)
	if err != nil {
		return err
	}

	srv, err := oauth.NewServer(rt.stores.flows, rt.stores.tokens, rt.stores.users, rt.keys, opaqueServer, rt.settings.serverConfig(), logger)
	if err != nil {
		return err
	}
	srv.SetAuditor(security.NewAuditor(logger, rt.settings.AuditLogging))
	srv.SetInstrumentation(rt.inst)

	handler, err := oauth.NewHandler(srv, rt.settings.handlerConfig(logger))
	if err != nil {
		return err
	}
	defer handler.Close()

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if rt.settings.Telemetry.Enabled && rt.settings.Telemetry.MetricsExporter == instrumentation.ExporterPrometheus {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	httpServer := &http.Server{
		Addr:              rt.settings.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Authorization server listening",
			"addr", rt.settings.Addr,
			"issuer", rt.settings.Issuer,
			"version", Version,
			"first", first)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.settings.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
