package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/quantfold/marketmaker/internal/audit"
	"github.com/quantfold/marketmaker/internal/bus"
	"github.com/quantfold/marketmaker/internal/config"
	"github.com/quantfold/marketmaker/internal/database"
	"github.com/quantfold/marketmaker/internal/exchange"
	"github.com/quantfold/marketmaker/internal/funds"
	"github.com/quantfold/marketmaker/internal/inventory"
	"github.com/quantfold/marketmaker/internal/marketdata"
	"github.com/quantfold/marketmaker/internal/mode"
	"github.com/quantfold/marketmaker/internal/originator"
	"github.com/quantfold/marketmaker/internal/proposals"
	"github.com/quantfold/marketmaker/internal/risk"
	"github.com/quantfold/marketmaker/internal/types"
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

// main runs a single-side originator process: it subscribes to its side's
// ready and denied topics and turns ready proposals into simulated orders.
func main() {
	sideFlag := flag.String("side", "buy", "originator side: buy or sell")
	flag.Parse()

	side := types.Side(*sideFlag)
	if side != types.SideBuy && side != types.SideSell {
		zlog.Fatal().Str("side", *sideFlag).Msg("side must be buy or sell")
	}

	cfg := config.Load()

	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	notifier, err := bus.NewRedisNotifier(cfg.RedisAddr)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to connect to notification bus")
	}
	defer notifier.Close()

	auditLog := audit.NewLogger(db)
	modes := mode.NewProvider(db, cfg.ModeRefresh)
	store := proposals.NewStore(db)

	client := exchange.NewSimClient(db, exchange.DefaultSeeds(cfg.Symbols))
	market := marketdata.NewService(client, cfg.TickSize, cfg.VolatilityWindow)
	riskVet := risk.NewVetter(db, market, auditLog, cfg)

	// The owning authority depends on the side: the bank holds funds for
	// buys, the inventory authority holds positions for sells.
	var reservation originator.Reservation
	if side == types.SideBuy {
		reservation = funds.NewAuthority(db, auditLog, cfg)
	} else {
		reservation = inventory.NewAuthority(db, auditLog, cfg)
	}

	orig := originator.New(side, db, store, reservation, riskVet, client, nil, modes, notifier, auditLog, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- orig.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		zlog.Info().Msg("Shutting down originator...")
		cancel()
		<-done
	case err := <-done:
		cancel()
		if err != nil {
			zlog.Fatal().Err(err).Msg("Originator stopped")
		}
	}

	zlog.Info().Msg("Originator exiting")
}
