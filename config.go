package zyneth

import (
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration, resolved once at startup.
// Nothing re-reads the environment after FromEnv returns.
type Config struct {
	// Environment is "development" or "production".
	Environment string
	Addr        string

	MongoURI      string
	MongoDatabase string

	JWTSecret string
	JWTIssuer string

	// BaseURL is this service's externally visible origin.
	BaseURL string
	// FrontendURL is where federated logins redirect back to.
	FrontendURL string

	GoogleClientID     string
	GoogleClientSecret string
	// GoogleRedirectURL precedence: GOOGLE_REDIRECT_URI when set,
	// otherwise BaseURL + "/auth/google/callback".
	GoogleRedirectURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// AvatarDir is where uploaded avatars land; served under /static/avatars.
	AvatarDir string

	// StoreTimeout bounds every store round trip.
	StoreTimeout time.Duration
}

// FromEnv loads configuration from environment variables with development
// defaults.
func FromEnv() Config {
	cfg := Config{
		Environment:   getEnv("ENVIRONMENT", "development"),
		Addr:          getEnv("ADDR", ":8000"),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DB", "zyneth"),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		JWTIssuer:     getEnv("JWT_ISSUER", "zyneth"),
		BaseURL:       getEnv("BASE_URL", "http://localhost:8000"),
		FrontendURL:   getEnv("FRONTEND_URL", "http://localhost:5500/frontend"),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     getEnvInt("SMTP_PORT", 587),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     getEnv("SMTP_FROM", "no-reply@zyneth.shop"),

		AvatarDir:    getEnv("AVATAR_DIR", "static/avatars"),
		StoreTimeout: time.Duration(getEnvInt("STORE_TIMEOUT_SECONDS", 10)) * time.Second,
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URI")
	if cfg.GoogleRedirectURL == "" {
		cfg.GoogleRedirectURL = cfg.BaseURL + "/auth/google/callback"
	}
	return cfg
}

// IsDevelopment reports whether the dev-only fallbacks (console email, code
// logging) may be enabled.
func (c Config) IsDevelopment() bool {
	return c.Environment != "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
