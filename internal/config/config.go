package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile      string
	APIAddr     string
	AdminAddr   string
	BaseURL     string
	UploadsPath string

	AuthSecret  string
	TokenExpiry time.Duration

	// Optional Redis-backed presence. Empty means in-process presence.
	RedisAddr   string
	PresenceTTL time.Duration

	// AI responder collaborator. Empty endpoint disables the hook.
	AIEndpoint string
	AIUsername string
	AIFallback string
	AITimeout  time.Duration

	// Web Push (VAPID). Empty keys disable push delivery.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
}

func Load(cliMode bool) (*Config, error) {
	// Missing .env is fine, env vars win either way.
	_ = godotenv.Load()

	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_EXPIRY: %w", err)
	}
	presenceTTL, err := time.ParseDuration(getEnv("PRESENCE_TTL", "60s"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRESENCE_TTL: %w", err)
	}
	aiTimeout, err := time.ParseDuration(getEnv("AI_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid AI_TIMEOUT: %w", err)
	}

	cfg := &Config{
		DBFile:          getEnv("MOLVA_DB", "molva.db"),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		AdminAddr:       getEnv("ADMIN_ADDR", "localhost:8081"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:     getEnv("UPLOADS_PATH", "uploads"),
		AuthSecret:      os.Getenv("AUTH_SECRET"),
		TokenExpiry:     tokenExpiry,
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		PresenceTTL:     presenceTTL,
		AIEndpoint:      os.Getenv("AI_ENDPOINT"),
		AIUsername:      getEnv("AI_USERNAME", "AI_Assistant"),
		AIFallback:      getEnv("AI_FALLBACK", "Sorry, I am unable to reply right now."),
		AITimeout:       aiTimeout,
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    getEnv("VAPID_SUBJECT", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.PresenceTTL <= 0 {
		return fmt.Errorf("PRESENCE_TTL must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
