package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storagemigration/api"
	"storagemigration/pkg/coordinator"
	"storagemigration/pkg/cutover"
	"storagemigration/pkg/scheduler"
	"storagemigration/pkg/state"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_PRETTY") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}

	var store state.Store
	connectionString := os.Getenv("DB_CONNECTION_STRING")
	if connectionString == "" {
		// In-memory state is for local development only: jobs do not survive
		// a restart without a database.
		log.Warn().Msg("DB_CONNECTION_STRING not set, using in-memory job store")
		store = state.NewMemoryStore()
	} else {
		dbStore, err := state.NewDBStore(connectionString)
		if err != nil {
			log.Fatal().Err(err).Msg("job store initialization failed")
		}
		defer dbStore.Close()
		store = dbStore
	}

	coord := coordinator.New(store)
	if err := coord.RecoverOrphans(context.Background()); err != nil {
		log.Error().Err(err).Msg("startup orphan recovery failed")
	}

	retention := scheduler.DefaultRetention
	if raw := os.Getenv("JOB_RETENTION"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatal().Err(err).Str("value", raw).Msg("invalid JOB_RETENTION")
		}
		retention = parsed
	}
	maint := scheduler.New(store, coord, retention)
	if err := maint.Start(os.Getenv("CLEANUP_SCHEDULE"), os.Getenv("RECOVERY_SCHEDULE")); err != nil {
		log.Fatal().Err(err).Msg("maintenance scheduler failed to start")
	}

	server := api.NewServer(store, coord, cutover.New(store))
	router := server.Router()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", port).Msg("storage migration server listening")
		errCh <- router.Run(":" + port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal().Err(err).Msg("server exited")
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	if err := maint.Stop(); err != nil {
		log.Warn().Err(err).Msg("scheduler stop failed")
	}

	// Workers finish their in-flight files; unfinished jobs stay in_progress
	// and are recovered on the next start.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("coordinator shutdown timed out")
	}
	log.Info().Msg("shutdown complete")
}
