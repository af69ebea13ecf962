package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/adapters"
	"github.com/fieldsync/fieldsync/internal/changes"
	"github.com/fieldsync/fieldsync/internal/clock"
	"github.com/fieldsync/fieldsync/internal/dispatcher"
	"github.com/fieldsync/fieldsync/internal/handlers"
	"github.com/fieldsync/fieldsync/internal/logging"
	"github.com/fieldsync/fieldsync/internal/poller"
	"github.com/fieldsync/fieldsync/internal/server"
	"github.com/fieldsync/fieldsync/internal/verify"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the poller, dispatcher, pruner and HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	limiters, err := newLimiters(ctx, cfg)
	if err != nil {
		return err
	}
	defer limiters.Close()

	publisher, closePublisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	var normalizer adapters.Normalizer = adapters.PassthroughNormalizer{}
	if cfg.Verifier.Enabled {
		v := verify.New(verify.Config{
			Runs:       cfg.Verifier.Runs,
			MaxRetries: cfg.Verifier.MaxRetries,
			RetryDelay: cfg.Verifier.RetryDelay,
		}, clock.Real{}, logger.Component("verify"))
		normalizer = adapters.NewVerifyingNormalizer(normalizer, v)
	}

	poll := poller.New(poller.Dependencies{
		Scheduler: a.scheduler,
		Detector:  a.detector,
		Outbox:    a.outbox,
		Tx:        a.repo,
		Limiter:   limiters,
		Fetcher: adapters.NewHTTPFetcher(adapters.ClientConfig{
			BaseURL: cfg.Adapters.Source.BaseURL,
			Token:   cfg.Adapters.Source.Token,
			Timeout: cfg.Adapters.Source.Timeout,
		}),
		Normalizer: normalizer,
		Rules:      a.ignore,
		Publisher:  publisher,
	}, poller.Config{
		Interval:  cfg.Poller.Interval,
		BatchSize: cfg.Poller.BatchSize,
		Workers:   cfg.Poller.Workers,
		Bucket:    bucketSource,
	}, poller.WithLogger(logger.Component("poller")))

	sender := adapters.NewHTTPSender(adapters.ClientConfig{
		BaseURL: cfg.Adapters.Destination.BaseURL,
		Token:   cfg.Adapters.Destination.Token,
		Timeout: cfg.Adapters.Destination.Timeout,
	})
	disp := dispatcher.New(a.outbox, limiters, sender, dispatcher.Config{
		BatchSize:    cfg.Dispatcher.BatchSize,
		Workers:      cfg.Dispatcher.Workers,
		Interval:     cfg.Dispatcher.Interval,
		ClaimTimeout: cfg.Dispatcher.ClaimTimeout,
		Bucket:       bucketDestination,
	}, dispatcher.WithPublisher(publisher), dispatcher.WithLogger(logger.Component("dispatcher")))

	pruner := changes.NewPruner(a.detector, cfg.Baselines.PruneInterval, cfg.Baselines.Retention,
		clock.Real{}, logger.Component("pruner"))

	if cfg.Poller.Enabled {
		if err := poll.Start(ctx); err != nil {
			return err
		}
		defer poll.Stop()
	}
	if cfg.Dispatcher.Enabled {
		if err := disp.Start(ctx); err != nil {
			return err
		}
		defer disp.Stop()
	}
	if err := pruner.Start(ctx); err != nil {
		return err
	}
	defer pruner.Stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handlers.NewHandler(a.outbox, a.scheduler, a.repo, logger)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("fieldsync listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", logging.Error(err))
	}
	return nil
}
