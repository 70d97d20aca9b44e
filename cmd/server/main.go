package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/veselov/conclave/internal/adapters/http"
	wssignal "github.com/veselov/conclave/internal/adapters/signal"
	"github.com/veselov/conclave/internal/app"
	"github.com/veselov/conclave/internal/config"
	"github.com/veselov/conclave/internal/engine/pionengine"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	eng := pionengine.New(pionengine.Config{
		MinPort:    cfg.RTCMinPort,
		MaxPort:    cfg.RTCMaxPort,
		Workers:    cfg.WorkerCount,
		ICEServers: cfg.ICEServers,
	})

	// A dead worker is fatal for the whole process: rooms bound to it
	// hold unrecoverable state. Log, give the sinks a moment to flush,
	// and exit so the supervisor restarts us clean.
	pool := app.NewWorkerPool(eng, func(err error) {
		log.Error().Err(err).Dur("exit_delay", cfg.FatalExitDelay).Msg("fatal worker failure, terminating")
		time.Sleep(cfg.FatalExitDelay)
		os.Exit(1)
	})
	if err := pool.Start(ctx, cfg.WorkerCount); err != nil {
		log.Fatal().Err(err).Msg("failed to start worker pool")
	}

	registry := app.NewRoomRegistry(pool, cfg.RoomGracePeriod)
	ctl := wssignal.NewController(registry, app.SimplePolicy{}, cfg.ReadLimit, cfg.PingPeriod)

	r := router.SetupRouter(ctx, cfg, registry, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Int("workers", cfg.WorkerCount).Msg("conclave server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	registry.CloseAll()
	pool.Shutdown()
	log.Info().Msg("Server exited gracefully")
}
