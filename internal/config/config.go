package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Storage
	DatabaseURL   string `env:"DATABASE_URL" envDefault:"civiclens.db"`
	MongoDatabase string `env:"MONGODB_DATABASE" envDefault:"civiclens"`

	// Primary model
	GeminiAPIKey string `env:"GEMINI_API_KEY,required"`
	GeminiModel  string `env:"GEMINI_MODEL"`

	// Identity provider
	JWTSecret     string   `env:"JWT_SECRET"`
	JWTPublicKey  string   `env:"IDP_JWT_PUBLIC_KEY"`
	JWTIssuer     string   `env:"IDP_JWT_ISSUER"`
	WebhookSecret string   `env:"IDP_WEBHOOK_SECRET"`
	AdminEmails   []string `env:"ADMIN_EMAILS" envSeparator:","`

	// Secondary (fine-tuned) model
	SecondaryModelURL     string `env:"SECONDARY_MODEL_URL"`
	SecondaryModelAPIKey  string `env:"SECONDARY_MODEL_API_KEY"`
	SecondaryModelEnabled bool   `env:"SECONDARY_MODEL_ENABLED" envDefault:"false"`
	TrainingConfigPath    string `env:"SECONDARY_MODEL_TRAINING_CONFIG" envDefault:"./training/config.yaml"`
	TrainingCommand       string `env:"SECONDARY_MODEL_TRAINING_COMMAND" envDefault:"oumi"`

	// Workflow runner
	WorkflowURL       string `env:"WORKFLOW_URL" envDefault:"http://localhost:8080"`
	WorkflowAuth      string `env:"WORKFLOW_AUTH"`
	WorkflowNamespace string `env:"WORKFLOW_NAMESPACE" envDefault:"civiclens"`

	// Server
	HTTPPort           string `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"INFO"`
	CORSOrigin         string `env:"CORS_ORIGIN" envDefault:"http://localhost:3000"`
	AIParamsFile       string `env:"AI_PARAMS_FILE"`
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"20"`
}

// Load reads an optional .env file and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment variables")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.JWTSecret == "" && cfg.JWTPublicKey == "" {
		return nil, errors.New("JWT_SECRET or IDP_JWT_PUBLIC_KEY is required")
	}
	return cfg, nil
}

func (c *Config) IsAdmin(email string) bool {
	for _, e := range c.AdminEmails {
		if strings.EqualFold(strings.TrimSpace(e), email) {
			return true
		}
	}
	return false
}

// UsesMongo reports whether DatabaseURL points at a MongoDB deployment.
func (c *Config) UsesMongo() bool {
	return strings.HasPrefix(c.DatabaseURL, "mongodb://") || strings.HasPrefix(c.DatabaseURL, "mongodb+srv://")
}

// CORSOrigins splits the comma separated CORS_ORIGIN value.
func (c *Config) CORSOrigins() []string {
	var origins []string
	for _, p := range strings.Split(c.CORSOrigin, ",") {
		if o := strings.TrimRight(strings.TrimSpace(p), "/"); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
