package main

import (
	"context"
	"time"

	"github.com/xaenox/concierge-bot/internal/bot"
	"github.com/xaenox/concierge-bot/internal/llm"
	"github.com/xaenox/concierge-bot/internal/storage"
	"github.com/xaenox/concierge-bot/pkg/config"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		dbConfig := storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		}
		store, err = storage.NewPostgresStorage(dbConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	llmCfg := llm.Config{
		DefaultModel:       cfg.LLM.DefaultModel,
		AvailableModels:    cfg.LLM.AvailableModels,
		MaxContextMessages: cfg.LLM.MaxContextMessages,
		MaxContextTokens:   cfg.LLM.MaxContextTokens,
		DailyTokenLimit:    cfg.LLM.DailyTokenLimit,
		MonthlyTokenLimit:  cfg.LLM.MonthlyTokenLimit,
		StreamInterval:     time.Duration(cfg.LLM.StreamEditInterval * float64(time.Second)),
		GeminiModel:        cfg.Gemini.Model,
		GeminiImageModel:   cfg.Gemini.ImageModel,
		OpenAIImageModel:   cfg.OpenAI.ImageModel,
	}

	// Providers in fallback order: Gemini first when configured, then OpenAI
	var providers []llm.Provider
	if len(cfg.Gemini.APIKeys) > 0 {
		gemini, err := llm.NewGeminiService(context.Background(), cfg.Gemini.APIKeys, store, llmCfg, logger)
		if err != nil {
			logger.Fatal("Failed to create Gemini provider", zap.Error(err))
		}
		providers = append(providers, gemini)
		logger.Info("Gemini provider configured", zap.Int("keys", len(cfg.Gemini.APIKeys)))
	}
	if len(cfg.OpenAI.APIKeys) > 0 {
		oai, err := llm.NewOpenAIService(cfg.OpenAI.APIKeys, cfg.OpenAI.BaseURL, store, llmCfg, logger)
		if err != nil {
			logger.Fatal("Failed to create OpenAI provider", zap.Error(err))
		}
		providers = append(providers, oai)
		logger.Info("OpenAI provider configured", zap.Int("keys", len(cfg.OpenAI.APIKeys)))
	}

	service, err := llm.NewService(providers, store, llmCfg, logger)
	if err != nil {
		logger.Fatal("Failed to create LLM service", zap.Error(err))
	}
	defer service.Close()

	// Initialize bot
	b, err := bot.New(cfg.Telegram.Token, store, service, cfg.Telegram.AdminID, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	// Start the bot
	if err := b.Start(); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}
}
