package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Database DatabaseConfig `mapstructure:"database"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
}

type TelegramConfig struct {
	Token   string `mapstructure:"token"`
	AdminID int64  `mapstructure:"admin_id"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type LLMConfig struct {
	DefaultModel       string   `mapstructure:"default_model"`
	AvailableModels    []string `mapstructure:"available_models"`
	MaxContextMessages int      `mapstructure:"max_context_messages"`
	MaxContextTokens   int      `mapstructure:"max_context_tokens"`
	DailyTokenLimit    int      `mapstructure:"daily_token_limit"`
	MonthlyTokenLimit  int      `mapstructure:"monthly_token_limit"`
	// Minimum seconds between streamed message edits.
	StreamEditInterval float64 `mapstructure:"stream_edit_interval"`
}

type GeminiConfig struct {
	APIKeys    []string `mapstructure:"api_keys"`
	Model      string   `mapstructure:"model"`
	ImageModel string   `mapstructure:"image_model"`
}

type OpenAIConfig struct {
	APIKeys    []string `mapstructure:"api_keys"`
	BaseURL    string   `mapstructure:"base_url"`
	ImageModel string   `mapstructure:"image_model"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("llm.default_model", "gpt-4o")
	v.SetDefault("llm.max_context_messages", 50)
	v.SetDefault("llm.max_context_tokens", 8000)
	v.SetDefault("llm.daily_token_limit", 0)
	v.SetDefault("llm.monthly_token_limit", 0)
	v.SetDefault("llm.stream_edit_interval", 1.5)
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.image_model", "gemini-2.0-flash-exp")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.image_model", "dall-e-3")

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if keys := v.GetString("GEMINI_API_KEYS"); keys != "" {
		config.Gemini.APIKeys = splitList(keys)
	}

	if keys := v.GetString("OPENAI_API_KEYS"); keys != "" {
		config.OpenAI.APIKeys = splitList(keys)
	} else if key := v.GetString("OPENAI_API_KEY"); key != "" {
		config.OpenAI.APIKeys = []string{key}
	}

	if len(config.LLM.AvailableModels) == 0 {
		config.LLM.AvailableModels = []string{config.LLM.DefaultModel}
	}

	return &config, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
