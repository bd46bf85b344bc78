package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/quantfold/marketmaker/internal/config"
	"github.com/quantfold/marketmaker/internal/database"
	"github.com/quantfold/marketmaker/internal/exchange"
	"github.com/quantfold/marketmaker/internal/marketdata"
	"github.com/quantfold/marketmaker/internal/matcher"
)

func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main runs the simulated matching engine: a periodic scan over resting
// orders that fills marketable ones against synthesized market data.
func main() {
	cfg := config.Load()

	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	client := exchange.NewSimClient(db, exchange.DefaultSeeds(cfg.Symbols))
	market := marketdata.NewService(client, cfg.TickSize, cfg.VolatilityWindow)
	engine := matcher.NewEngine(db, market, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- engine.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		zlog.Info().Msg("Shutting down matching engine...")
		cancel()
		<-done
	case err := <-done:
		cancel()
		if err != nil {
			zlog.Fatal().Err(err).Msg("Matching engine stopped")
		}
	}

	zlog.Info().Msg("Matching engine exiting")
}
