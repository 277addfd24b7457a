package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr         = ":9090"
	defaultAllowedOrigin      = "http://localhost:3000"
	defaultSessionIssuer      = "socialflow"
	defaultSessionCookie      = "app_session"
	defaultGenerationCost     = 1
	defaultSignupGrant        = 3
	defaultWalletHistoryLimit = 10
	defaultRequestTimeout     = 10 * time.Second
	defaultGenerationTimeout  = 90 * time.Second
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr         string
	AllowedOrigins     []string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	GenerationCost     int64
	SignupGrant        int64
	WalletHistoryLimit int
	RequestTimeout     time.Duration
	GenerationTimeout  time.Duration
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.GenerationCost <= 0 {
		cfg.GenerationCost = defaultGenerationCost
	}
	if cfg.SignupGrant <= 0 {
		cfg.SignupGrant = defaultSignupGrant
	}
	if cfg.WalletHistoryLimit <= 0 {
		cfg.WalletHistoryLimit = defaultWalletHistoryLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
