package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr             string
	DatabaseDriver       string
	DatabaseURL          string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	JWTSecret string

	Log      LogConfig
	Provider ProviderConfig
	Engine   EngineConfig
	Sweep    SweepConfig
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

type ProviderConfig struct {
	BaseURL    string
	DefaultTag string
	Timeout    time.Duration
}

// EngineConfig bounds a single execution of a broadcast job.
type EngineConfig struct {
	ChunkSize     int
	SendDelay     time.Duration
	RuntimeBudget time.Duration
	StaleAfter    time.Duration
	DedupTTL      time.Duration
}

type SweepConfig struct {
	Schedule   string
	Buffer     time.Duration
	StuckAfter time.Duration
	Limit      int
	Secret     string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		HTTPAddr:             v.GetString("HTTP_ADDR"),
		DatabaseDriver:       strings.ToLower(v.GetString("DATABASE_DRIVER")),
		DatabaseURL:          strings.TrimSpace(v.GetString("DATABASE_URL")),
		CORSAllowCredentials: v.GetBool("CORS_ALLOW_CREDENTIALS"),
		JWTSecret:            strings.TrimSpace(v.GetString("JWT_SECRET")),
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
			File:   v.GetString("LOG_FILE"),
		},
		Provider: ProviderConfig{
			BaseURL:    strings.TrimRight(v.GetString("PROVIDER_BASE_URL"), "/"),
			DefaultTag: v.GetString("PROVIDER_DEFAULT_TAG"),
			Timeout:    v.GetDuration("PROVIDER_TIMEOUT"),
		},
		Engine: EngineConfig{
			ChunkSize:     v.GetInt("CHUNK_SIZE"),
			SendDelay:     v.GetDuration("SEND_DELAY"),
			RuntimeBudget: v.GetDuration("RUNTIME_BUDGET"),
			StaleAfter:    v.GetDuration("STALE_AFTER"),
			DedupTTL:      v.GetDuration("DEDUP_TTL"),
		},
		Sweep: SweepConfig{
			Schedule:   v.GetString("SWEEP_SCHEDULE"),
			Buffer:     v.GetDuration("SCHEDULE_BUFFER"),
			StuckAfter: v.GetDuration("STUCK_AFTER"),
			Limit:      v.GetInt("SWEEP_LIMIT"),
			Secret:     v.GetString("SWEEP_SECRET"),
		},
	}

	for _, o := range strings.Split(v.GetString("CORS_ALLOWED_ORIGINS"), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("CORS_ALLOW_CREDENTIALS", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("PROVIDER_BASE_URL", "https://graph.facebook.com/v19.0")
	v.SetDefault("PROVIDER_DEFAULT_TAG", "ACCOUNT_UPDATE")
	v.SetDefault("PROVIDER_TIMEOUT", "15s")
	v.SetDefault("CHUNK_SIZE", 150)
	v.SetDefault("SEND_DELAY", "100ms")
	v.SetDefault("RUNTIME_BUDGET", "280s")
	v.SetDefault("STALE_AFTER", "90s")
	v.SetDefault("DEDUP_TTL", "5m")
	v.SetDefault("SWEEP_SCHEDULE", "@every 1m")
	v.SetDefault("SCHEDULE_BUFFER", "60s")
	v.SetDefault("STUCK_AFTER", "30m")
	v.SetDefault("SWEEP_LIMIT", 50)
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("missing env: DATABASE_URL")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("missing env: JWT_SECRET")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.Engine.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive")
	}
	if c.Engine.RuntimeBudget <= 0 {
		return fmt.Errorf("RUNTIME_BUDGET must be positive")
	}
	if c.Engine.StaleAfter <= 0 {
		return fmt.Errorf("STALE_AFTER must be positive")
	}
	return nil
}
