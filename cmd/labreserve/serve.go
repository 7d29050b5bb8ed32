package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/labreserve/internal/application"
	"github.com/example/labreserve/internal/auth"
	httptransport "github.com/example/labreserve/internal/http"
	"github.com/example/labreserve/internal/metrics"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := loadRuntime(cmd)
			if err != nil {
				return err
			}
			if err := rt.openStore(ctx); err != nil {
				return err
			}
			defer rt.close()

			server, dispatcher, err := rt.newServer()
			if err != nil {
				return err
			}
			return runServer(ctx, rt, server, dispatcher)
		},
	}
	cmd.Flags().Int("port", 0, "listen port (overrides http.port)")
	return cmd
}

func (rt *runtime) newServer() (*http.Server, *application.Dispatcher, error) {
	recorder := metrics.NewRecorder(true)
	issuer, err := auth.NewIssuer(rt.cfg.Auth.TokenSecret, rt.cfg.Auth.TokenTTL, nil)
	if err != nil {
		return nil, nil, err
	}

	deps := rt.dependencies(recorder)
	services := application.NewServices(deps, application.DefaultArgon2idParams)
	authService := application.NewAuthService(rt.store, issuer, nil, nil, rt.logger)

	logger := rt.logger
	handler := httptransport.NewRouter(httptransport.RouterConfig{
		Auth:        httptransport.NewAuthHandler(authService, logger),
		Bookings:    httptransport.NewBookingHandler(services.Bookings, logger),
		Components:  httptransport.NewComponentHandler(services.Components, logger),
		Loans:       httptransport.NewLoanHandler(services.Loans, logger, nil),
		Activity:    httptransport.NewActivityHandler(services.Activity, services, logger),
		RequireAuth: httptransport.RequireAuth(authService, logger),
		Instrument:  recorder.Instrument,
		Metrics:     recorder.Handler(),
		Health:      rt.store,
		Middleware: []func(http.Handler) http.Handler{
			httptransport.Recover(logger),
			httptransport.RequestLogger(logger),
			httptransport.RequireSameOrigin(rt.cfg.HTTP.AllowedOrigins, logger),
		},
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", rt.cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return server, deps.Dispatcher, nil
}

func runServer(ctx context.Context, rt *runtime, server *http.Server, dispatcher *application.Dispatcher) error {
	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("labreserve API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	// Let notifications queued by the last requests go out.
	dispatcher.Wait()
	rt.logger.Info("labreserve API stopped")
	return <-errCh
}
