package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"flashoffer-dispatch/internal/reconcile"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Port string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the push_sent reconciler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Port, "port", "", "server port (overrides config)")

	return cmd
}

func serve(ctx context.Context, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.buildService(ctx); err != nil {
		return err
	}

	port := a.cfg.Server.Port
	if opts.Port != "" {
		port = opts.Port
	}

	router, stopThrottle := a.router()
	defer stopThrottle()

	server := &http.Server{
		Addr:              net.JoinHostPort(a.cfg.Server.Host, port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.cfg.DispatchTimeout() + 5*time.Second,
	}
	reconciler := reconcile.New(a.db, time.Duration(a.cfg.Dispatch.ReconcileSeconds)*time.Second, a.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("starting server",
			zap.String("addr", server.Addr),
			zap.String("database", a.cfg.Database.Path),
			zap.String("rate_limit_backend", a.cfg.RateLimit.Backend),
			zap.String("version", Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		reconciler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.DispatchTimeout())
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
