package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the copy-trading relay.
type Config struct {
	Port string

	// MEXC wire endpoint
	WSURL      string
	QuoteAsset string
	APIBaseURL string

	// Master credentials bootstrap (operators normally set these via the
	// HTTP command surface instead; env vars are a convenience for a
	// single-tenant deployment).
	MasterAPIKey    string
	MasterAPISecret string
	MasterProxy     string

	// Symbol blacklist, comma-separated (spec §4.3).
	BlackSymbols []string

	// Database
	DBPath string

	// Auth. OperatorPasswordHash takes precedence; OperatorPassword (plaintext)
	// is hashed once at startup as a convenience for first-run deployments.
	JWTSecret            string
	OperatorPasswordHash string
	OperatorPassword     string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/relay.db")
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		WSURL:                getEnv("MEXC_WS_URL", "wss://contract.mexc.com/edge"),
		QuoteAsset:           getEnv("QUOTE_ASSET", "USDT"),
		APIBaseURL:           getEnv("MEXC_API_BASE_URL", "https://contract.mexc.com"),
		MasterAPIKey:         os.Getenv("MASTER_API_KEY"),
		MasterAPISecret:      os.Getenv("MASTER_API_SECRET"),
		MasterProxy:          os.Getenv("MASTER_PROXY"),
		BlackSymbols:         splitAndTrim(getEnv("BLACK_SYMBOLS", "")),
		DBPath:               dbPath,
		JWTSecret:            getEnv("JWT_SECRET", "dev-secret"),
		OperatorPasswordHash: os.Getenv("OPERATOR_PASSWORD_HASH"),
		OperatorPassword:     os.Getenv("OPERATOR_PASSWORD"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
