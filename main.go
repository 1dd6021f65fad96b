package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/kasa-chat/kasa/internal/auth"
	"github.com/kasa-chat/kasa/internal/chat"
	"github.com/kasa-chat/kasa/internal/config"
	"github.com/kasa-chat/kasa/internal/llm"
	"github.com/kasa-chat/kasa/internal/quota"
	"github.com/kasa-chat/kasa/internal/search"
	"github.com/kasa-chat/kasa/internal/store"
	api "github.com/kasa-chat/kasa/internal/transport/http"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", configPath))
	}

	db, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer db.Close()

	ctx := context.Background()
	planPolicy, err := quota.NewPlanPolicy(ctx, quota.DefaultPlanPolicy)
	if err != nil {
		logger.Fatal("Failed to initialize plan policy", zap.Error(err))
	}
	guard := quota.NewGuard(db, planPolicy, cfg.Plans, cfg.Chat.DefaultTimezone, logger)

	bridge := llm.NewOpenAIBridge(cfg.OpenAI)
	budget, err := llm.NewBudgeter(cfg.Chat.PromptTokenLimit)
	if err != nil {
		logger.Fatal("Failed to initialize token budgeter", zap.Error(err))
	}
	searcher := search.NewClient(cfg.Search, logger)

	orch := chat.New(db, guard, bridge, searcher, bridge, budget, chat.Options{
		SystemPrompt:  cfg.Chat.SystemPrompt,
		MaxToolRounds: cfg.Chat.MaxToolRounds,
	}, logger)

	resolver := auth.NewStoreResolver(db)
	h := api.NewHandler(db, orch, guard, resolver, cfg.Chat.MaxMessageLength, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	h.RegisterRoutes(e)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()
	logger.Info("Server started", zap.Int("port", cfg.Server.Port), zap.String("store", cfg.Store.Driver))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown gracefully", zap.Error(err))
	}
}
