package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"planflow/internal/api"
	"planflow/internal/calendar"
	"planflow/internal/controller"
	"planflow/internal/domain"
	"planflow/internal/orchestrator"
	"planflow/internal/store"
)

func main() {
	var (
		addr     = flag.String("addr", ":8080", "HTTP bind address")
		dbPath   = flag.String("db", "planflow.db", "SQLite DB path")
		calPath  = flag.String("calendar", "calendar.yaml", "calendar config file")
		sweep    = flag.Duration("sweep", 30*time.Second, "missed-task sweep interval")
		grace    = flag.Duration("grace", 30*time.Second, "late-fire grace window")
		memStore = flag.Bool("mem", false, "use the in-memory store instead of SQLite")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cal, err := calendar.NewFileProvider(*calPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load calendar config")
	}

	var repo store.Repository
	if *memStore {
		repo = store.NewMemoryRepo()
	} else {
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		defer db.Close()
		db.SetMaxOpenConns(1) // SQLite single writer

		if err := store.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure schema")
		}
		repo = store.NewSQLiteRepo(db)
	}

	orch := orchestrator.New(repo, cal, orchestrator.Options{
		Grace:         *grace,
		SweepInterval: *sweep,
		OnFire: func(occ domain.TaskOccurrence) {
			log.Info().Str("task_id", occ.TaskID).Str("occurrence_id", occ.ID).Msg("reminder")
		},
	})
	ctrl := controller.New(repo, cal, orch)

	if err := ctrl.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("start orchestrator")
	}
	defer ctrl.Stop()

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(ctrl)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
