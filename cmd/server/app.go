package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/soaringjerry/intake/internal/config"
	"github.com/soaringjerry/intake/internal/db"
	"github.com/soaringjerry/intake/internal/events"
	"github.com/soaringjerry/intake/internal/logging"
	"github.com/soaringjerry/intake/internal/services"
	"github.com/soaringjerry/intake/internal/sms"
	"github.com/soaringjerry/intake/internal/storage"
)

// app holds every long-lived collaborator of the process.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *db.Store
	messenger *sms.TwilioMessenger
	objects   *storage.S3Store
	publisher services.EventPublisher
	allow     *services.AllowList

	registration *services.RegistrationService
	survey       *services.SurveyService
	stepB        *services.StepBService
	reminders    *services.ReminderService

	closers []func() error
}

func loadConfigAndLogger() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.IsProduction(), cfg.LogLev)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// openStore connects and migrates the configured database.
func openStore(cfg *config.Config, log *zap.Logger) (*db.Store, error) {
	if err := prepareSQLitePath(cfg.DBDialect, cfg.DBDSN); err != nil {
		return nil, err
	}
	store, err := db.Open(cfg.DBDialect, cfg.DBDSN, log)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(cfg.MigrationsDir); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

func reminderPolicy(cfg *config.Config) services.ReminderPolicy {
	return services.ReminderPolicy{
		StuckAfter:        cfg.StuckAfter,
		StuckMaxReminders: cfg.StuckMaxReminders,
		ReminderDays:      cfg.ReminderDays,
	}
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	var err error
	if a.store, err = openStore(cfg, log); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	a.messenger = sms.NewTwilioMessenger(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioPhoneNumber, log)
	if a.objects, err = storage.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region, log); err != nil {
		a.close()
		return nil, err
	}
	pub, closePub, err := events.New(ctx, events.Options{
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
		SQSQueueURL:  cfg.SQSQueueURL,
		AWSRegion:    cfg.S3Region,
	}, log.Named("events"))
	if err != nil {
		a.close()
		return nil, err
	}
	a.publisher = pub
	a.closers = append(a.closers, closePub)

	persist := ""
	if cfg.CORSPersist {
		persist = cfg.CORSPersistPath
	}
	if a.allow, err = services.NewAllowList(cfg.CORSOrigins, persist, log.Named("cors")); err != nil {
		a.close()
		return nil, err
	}

	tokens := services.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL)
	msgs := services.Messages{FormBaseURL: cfg.FormBaseURL, SchedulingURL: cfg.SchedulingURL, Questions: cfg.Questions}
	a.registration = services.NewRegistrationService(a.store, a.messenger, tokens, msgs, log.Named("registration")).WithPublisher(pub)
	a.survey = services.NewSurveyService(a.store, a.messenger, msgs, log.Named("survey")).WithPublisher(pub)
	a.stepB = services.NewStepBService(a.store, a.messenger, a.objects, tokens, msgs, log.Named("stepb")).
		WithPublisher(pub).
		WithMaxResends(cfg.MaxResends)
	a.reminders = services.NewReminderService(a.store, a.messenger, tokens, msgs, reminderPolicy(cfg), log.Named("reminders")).WithPublisher(pub)
	return a, nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
