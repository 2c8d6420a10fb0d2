package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/soaringjerry/intake/internal/api"
	"github.com/soaringjerry/intake/internal/middleware"
	"github.com/soaringjerry/intake/internal/services"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the reminder scheduler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Warn("close resources", zap.Error(err))
		}
	}()

	handler := api.NewRouter(api.Services{
		Registration: a.registration,
		Survey:       a.survey,
		StepB:        a.stepB,
		Reminders:    a.reminders,
		AllowList:    a.allow,
		History:      a.store,
		Ping:         a.store.Ping,
	}, api.Options{
		Env:        cfg.Env,
		AdminKey:   cfg.AdminAPIKey,
		StaticDir:  cfg.StaticDir,
		ConnectSrc: middleware.S3ConnectSources(cfg.S3Bucket, cfg.S3Region),
		Log:        log,
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("intake server listening",
			zap.String("addr", cfg.Addr),
			zap.String("db", cfg.DBDialect),
			zap.Bool("sms_configured", a.messenger.Configured()),
			zap.Bool("s3_enabled", a.objects.Enabled()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return services.NewScheduler(a.reminders, cfg.NudgeInterval, log.Named("scheduler")).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
