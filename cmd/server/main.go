package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/quantfold/marketmaker/internal/audit"
	"github.com/quantfold/marketmaker/internal/auth"
	"github.com/quantfold/marketmaker/internal/bus"
	"github.com/quantfold/marketmaker/internal/config"
	"github.com/quantfold/marketmaker/internal/database"
	"github.com/quantfold/marketmaker/internal/exchange"
	"github.com/quantfold/marketmaker/internal/funds"
	"github.com/quantfold/marketmaker/internal/inventory"
	"github.com/quantfold/marketmaker/internal/marketdata"
	"github.com/quantfold/marketmaker/internal/mode"
	"github.com/quantfold/marketmaker/internal/proposals"
	"github.com/quantfold/marketmaker/internal/risk"
	"github.com/quantfold/marketmaker/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the proposal vetting API server with graceful
// shutdown support. It wires the shared store, the three vetting authorities,
// the mode provider and the notification bus behind the internal routes.
func main() {
	cfg := config.Load()

	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register dev credentials
	authService.RegisterCredentials(auth.DevAPIKey, auth.DevAPISecret)

	auditLog := audit.NewLogger(db)
	modes := mode.NewProvider(db, cfg.ModeRefresh)
	modeHandlers := mode.NewGinHandlers(modes)

	client := exchange.NewSimClient(db, exchange.DefaultSeeds(cfg.Symbols))
	market := marketdata.NewService(client, cfg.TickSize, cfg.VolatilityWindow)

	riskVet := risk.NewVetter(db, market, auditLog, cfg)
	bank := funds.NewAuthority(db, auditLog, cfg)
	invt := inventory.NewAuthority(db, auditLog, cfg)

	notifier, err := bus.NewRedisNotifier(cfg.RedisAddr)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to connect to notification bus")
	}
	defer notifier.Close()

	store := proposals.NewStore(db)
	coordinator := proposals.NewCoordinator(store, riskVet, bank, invt, modes, notifier, auditLog)
	proposalHandlers := proposals.NewGinHandlers(store, coordinator)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, proposalHandlers, modeHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Internal routes: Protected by JWT, intended for the router and operators
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	proposalHandlers *proposals.GinHandlers,
	modeHandlers *mode.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}
	}

	// Internal routes (should additionally be protected by internal network)
	internal := router.Group("/internal")
	internal.Use(middleware.JWTAuth(jwtSecret))
	{
		internal.POST("/proposals", proposalHandlers.CreateProposalHandler())
		internal.GET("/proposals/:proposal_id", proposalHandlers.GetProposalHandler())
		internal.POST("/proposals/:proposal_id/vet", proposalHandlers.VetProposalHandler())
		internal.POST("/proposals/:proposal_id/finalize", proposalHandlers.FinalizeProposalHandler())
		internal.POST("/proposals/:proposal_id/expire", proposalHandlers.ExpireProposalHandler())
		internal.GET("/mode", modeHandlers.GetModeHandler())
		internal.PUT("/mode", modeHandlers.SetModeHandler())
	}
}
