package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pagecast/internal/auth"
	"pagecast/internal/config"
	"pagecast/internal/contacts"
	"pagecast/internal/db"
	"pagecast/internal/dedup"
	httpx "pagecast/internal/http"
	"pagecast/internal/jobs"
	"pagecast/internal/logger"
	"pagecast/internal/messenger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().WithError(err).Fatal("load config")
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	logger.SetDefault(log)

	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("connect database")
	}
	if err := db.AutoMigrateAndIndexes(gdb); err != nil {
		log.WithError(err).Fatal("migrate database")
	}

	users := &auth.Users{DB: gdb}
	dir := &contacts.Directory{DB: gdb}
	repo := &jobs.Repo{DB: gdb}

	sender := &messenger.Sender{
		Provider:   messenger.NewClient(messenger.ClientConfig{BaseURL: cfg.Provider.BaseURL, Timeout: cfg.Provider.Timeout}),
		Pages:      &contacts.Pages{DB: gdb},
		Tokens:     users,
		DefaultTag: cfg.Provider.DefaultTag,
		Log:        log.Component("messenger"),
	}
	runner := &jobs.Runner{
		Store:      repo,
		Resolver:   &contacts.Resolver{Contacts: dir},
		Sender:     sender,
		Markers:    dir,
		Pacer:      jobs.NewPacer(cfg.Engine.SendDelay),
		ChunkSize:  cfg.Engine.ChunkSize,
		Budget:     cfg.Engine.RuntimeBudget,
		StaleAfter: cfg.Engine.StaleAfter,
		Log:        log.Component("runner"),
	}
	sweeper := &jobs.Sweeper{
		Store:      repo,
		Runner:     runner,
		Markers:    dir,
		Buffer:     cfg.Sweep.Buffer,
		StuckAfter: cfg.Sweep.StuckAfter,
		StaleAfter: cfg.Engine.StaleAfter,
		Limit:      cfg.Sweep.Limit,
		Log:        log.Component("sweeper"),
	}

	ctx, cancel := context.WithCancel(context.Background())

	guard := dedup.New(cfg.Engine.DedupTTL)
	svc := &jobs.Service{
		Background:     ctx,
		Store:          repo,
		Runner:         runner,
		Sweeper:        sweeper,
		Guard:          guard,
		ScheduleBuffer: cfg.Sweep.Buffer,
		Log:            log.Component("jobs"),
	}

	r := httpx.NewRouter(cfg, httpx.Deps{
		JWT:      auth.NewJWT(cfg.JWTSecret),
		Users:    users,
		Contacts: dir,
		Jobs:     svc,
		Log:      log,
	})

	// worker
	worker := &jobs.Worker{Sweeper: sweeper, Guard: guard, Schedule: cfg.Sweep.Schedule, Log: log.Component("worker")}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(ctx); err != nil {
			log.WithError(err).Fatal("start worker")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("serve")
		}
	}()

	// graceful shutdown
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	// in-flight executions observe the cancellation and checkpoint
	cancel()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
	}
	log.Info("stopped")
}
