package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/quantfold/marketmaker/internal/audit"
	"github.com/quantfold/marketmaker/internal/bus"
	"github.com/quantfold/marketmaker/internal/config"
	"github.com/quantfold/marketmaker/internal/database"
	"github.com/quantfold/marketmaker/internal/exchange"
	"github.com/quantfold/marketmaker/internal/funds"
	"github.com/quantfold/marketmaker/internal/inventory"
	"github.com/quantfold/marketmaker/internal/marketdata"
	"github.com/quantfold/marketmaker/internal/matcher"
	"github.com/quantfold/marketmaker/internal/mode"
	"github.com/quantfold/marketmaker/internal/originator"
	"github.com/quantfold/marketmaker/internal/proposals"
	"github.com/quantfold/marketmaker/internal/risk"
	"github.com/quantfold/marketmaker/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	minProposals = 15
	maxProposals = 60
	numWorkers   = 4
	settleWait   = 8 * time.Second

	seedQuoteFunds = 1_000_000.0
)

var seedPositions = map[string]float64{
	"BTC-USD": 10,
	"ETH-USD": 120,
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// simStats collects lifecycle statistics across the simulated run
type simStats struct {
	TotalProposals int
	Approved       int
	Denied         int
	Ready          int
	Finalized      int
	Failed         int
	TradedValue    float64
	Fees           float64
	Trades         int
	StartTime      time.Time
	Symbols        map[string]int
	Sides          map[string]int
}

// main runs an end-to-end in-process simulation: proposals flow through
// vetting and reservation, originators place simulated orders off the bus,
// and the matching engine fills them against synthesized market data.
func main() {
	cfg := config.Load()
	cfg.DBPath = filepath.Join(os.TempDir(), fmt.Sprintf("marketmaker-sim-%d.db", os.Getpid()))
	cfg.MatchInterval = 250 * time.Millisecond
	cfg.NotifyWait = 500 * time.Millisecond
	defer os.Remove(cfg.DBPath)

	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if err := seedLedger(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed ledger")
	}

	// Everything runs in one process so the in-memory bus suffices.
	notifier := bus.NewMemoryNotifier()
	defer notifier.Close()

	auditLog := audit.NewLogger(db)
	modes := mode.NewProvider(db, cfg.ModeRefresh)
	store := proposals.NewStore(db)

	client := exchange.NewSimClient(db, exchange.DefaultSeeds(cfg.Symbols))
	market := marketdata.NewService(client, cfg.TickSize, cfg.VolatilityWindow)
	riskVet := risk.NewVetter(db, market, auditLog, cfg)
	bank := funds.NewAuthority(db, auditLog, cfg)
	invt := inventory.NewAuthority(db, auditLog, cfg)
	coordinator := proposals.NewCoordinator(store, riskVet, bank, invt, modes, notifier, auditLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var background sync.WaitGroup
	background.Add(3)
	go func() {
		defer background.Done()
		buyer := originator.New(types.SideBuy, db, store, bank, riskVet, client, nil, modes, notifier, auditLog, cfg)
		if err := buyer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Buy originator stopped")
		}
	}()
	go func() {
		defer background.Done()
		seller := originator.New(types.SideSell, db, store, invt, riskVet, client, nil, modes, notifier, auditLog, cfg)
		if err := seller.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Sell originator stopped")
		}
	}()
	go func() {
		defer background.Done()
		engine := matcher.NewEngine(db, market, cfg)
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Matching engine stopped")
		}
	}()

	// Generate random number of proposals to process
	targetProposals := rand.Intn(maxProposals-minProposals) + minProposals
	log.Info().Int("target_proposals", targetProposals).Msg("Starting simulation")

	stats := simStats{
		StartTime: time.Now(),
		Symbols:   make(map[string]int),
		Sides:     make(map[string]int),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runWorker(ctx, workerID, targetProposals/numWorkers, cfg, client, store, coordinator, &stats, &mu)
		}(i)
	}
	wg.Wait()

	// Let the originators and matcher drain the ready proposals.
	log.Info().Dur("wait", settleWait).Msg("All proposals submitted, waiting for settlement")
	time.Sleep(settleWait)
	cancel()
	background.Wait()

	collectOutcomes(db, &stats)
	printSummary(&stats)
}

// runWorker generates random proposals and drives each one through both
// protocol phases.
func runWorker(
	ctx context.Context,
	workerID, count int,
	cfg *config.Config,
	client exchange.Client,
	store *proposals.Store,
	coordinator *proposals.Coordinator,
	stats *simStats,
	mu *sync.Mutex,
) {
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return
		}

		symbol := cfg.Symbols[rand.Intn(len(cfg.Symbols))]
		side := types.SideBuy
		if rand.Intn(2) == 1 {
			side = types.SideSell
		}

		ticker, err := client.Ticker(symbol)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("Failed to fetch ticker")
			continue
		}

		// Cross the spread slightly so most orders are marketable.
		price := ticker.LastPrice * 1.001
		if side == types.SideSell {
			price = ticker.LastPrice * 0.999
		}
		size := (float64(rand.Intn(40)) + 1) / 100.0

		proposal, err := store.Create(symbol, side, price, size)
		if err != nil {
			log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to create proposal")
			continue
		}

		mu.Lock()
		stats.TotalProposals++
		stats.Symbols[symbol]++
		stats.Sides[string(side)]++
		mu.Unlock()

		vetted, err := coordinator.VetAll(ctx, proposal.ProposalID)
		if err != nil {
			log.Error().Err(err).Uint("proposal_id", proposal.ProposalID).Msg("Vetting errored")
			continue
		}
		if vetted.Status != types.StatusApproved {
			log.Info().
				Uint("proposal_id", proposal.ProposalID).
				Str("symbol", symbol).
				Str("side", string(side)).
				Str("status", string(vetted.Status)).
				Msg("Proposal denied")
			continue
		}

		if _, err := coordinator.Finalize(ctx, proposal.ProposalID); err != nil {
			log.Error().Err(err).Uint("proposal_id", proposal.ProposalID).Msg("Finalize errored")
			continue
		}

		log.Info().
			Int("worker_id", workerID).
			Uint("proposal_id", proposal.ProposalID).
			Str("symbol", symbol).
			Str("side", string(side)).
			Float64("price", price).
			Float64("size", size).
			Msg("Proposal submitted")

		// Random sleep between proposals
		time.Sleep(time.Duration(rand.Intn(300)) * time.Millisecond)
	}
}

// seedLedger funds the quote balance and the asset inventory so both sides
// can pass their capacity vets.
func seedLedger(db *gorm.DB) error {
	balance := types.Balance{Asset: "USD", Available: seedQuoteFunds}
	if err := db.Create(&balance).Error; err != nil {
		return fmt.Errorf("failed to seed quote balance: %w", err)
	}

	for symbol, qty := range seedPositions {
		position := types.Position{Symbol: symbol, Qty: qty}
		if err := db.Create(&position).Error; err != nil {
			return fmt.Errorf("failed to seed position %s: %w", symbol, err)
		}
	}
	return nil
}

// collectOutcomes reads the final state of proposals and trades back out of
// the shared store.
func collectOutcomes(db *gorm.DB, stats *simStats) {
	statusCounts := []struct {
		Status string
		Count  int
	}{}
	err := db.Model(&types.Proposal{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&statusCounts).Error
	if err != nil {
		log.Error().Err(err).Msg("Failed to collect proposal outcomes")
	}

	for _, sc := range statusCounts {
		switch types.ProposalStatus(sc.Status) {
		case types.StatusDenied:
			stats.Denied += sc.Count
		case types.StatusReady:
			stats.Ready += sc.Count
		case types.StatusFinalized, types.StatusShadowFinalized:
			stats.Finalized += sc.Count
		case types.StatusFailed, types.StatusExpired:
			stats.Failed += sc.Count
		case types.StatusApproved:
			stats.Approved += sc.Count
		}
	}

	var trades []types.Trade
	if err := db.Find(&trades).Error; err != nil {
		log.Error().Err(err).Msg("Failed to collect trades")
		return
	}
	stats.Trades = len(trades)
	for _, t := range trades {
		stats.TradedValue += t.Price * t.Size
		stats.Fees += t.Fee
	}
}

// printSummary outputs the formatted simulation results
func printSummary(stats *simStats) {
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("MARKET MAKER SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Proposal Statistics
-------------------
Total Proposals:  %d
Denied:           %d
Still Ready:      %d
Finalized:        %d
Failed/Expired:   %d
Trades:           %d
Traded Value:     $%.2f
Fees Paid:        $%.4f
Duration:         %v

Symbol Distribution
-------------------
`, stats.TotalProposals, stats.Denied, stats.Ready, stats.Finalized, stats.Failed,
		stats.Trades, stats.TradedValue, stats.Fees, duration.Round(time.Millisecond))

	// Print symbol distribution with simple ASCII bar chart
	maxSymbolCount := 0
	for _, count := range stats.Symbols {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}
	for symbol, count := range stats.Symbols {
		barLength := 0
		if maxSymbolCount > 0 {
			barLength = int(float64(count) / float64(maxSymbolCount) * 20)
		}
		fmt.Printf("%-8s: %s (%d)\n", symbol, strings.Repeat("#", barLength), count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("-----------------")
	for side, count := range stats.Sides {
		barLength := 0
		if stats.TotalProposals > 0 {
			barLength = int(float64(count) / float64(stats.TotalProposals) * 20)
		}
		fmt.Printf("%-4s: %s (%d)\n", side, strings.Repeat("#", barLength), count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	settledRate := 0.0
	if stats.TotalProposals > 0 {
		settledRate = float64(stats.Finalized) / float64(stats.TotalProposals) * 100
	}
	log.Info().
		Float64("finalized_rate", settledRate).
		Int("total_proposals", stats.TotalProposals).
		Int("trades", stats.Trades).
		Float64("traded_value", stats.TradedValue).
		Dur("duration", duration).
		Msg("Simulation completed")
}
