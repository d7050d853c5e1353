package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Environment variables that override file values.
const (
	EnvBotToken      = "BOT_TOKEN"
	EnvAdminPassword = "ADMIN_PASSWORD"
	EnvDestinations  = "DESTINATIONS_JSON"
	EnvStorageDSN    = "CARPOSTER_STORAGE_DSN"
	EnvHTTPAddr      = "CARPOSTER_HTTP_ADDR"
)

// ApplyEnv overlays non-empty environment values onto cfg. getenv is
// usually os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if cfg == nil || getenv == nil {
		return nil
	}
	if v := strings.TrimSpace(getenv(EnvBotToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvAdminPassword)); v != "" {
		cfg.HTTP.AdminPassword = v
	}
	if v := strings.TrimSpace(getenv(EnvStorageDSN)); v != "" {
		cfg.Storage.DSN = v
	}
	if v := strings.TrimSpace(getenv(EnvHTTPAddr)); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := strings.TrimSpace(getenv(EnvDestinations)); v != "" {
		var ds []Destination
		if err := json.Unmarshal([]byte(v), &ds); err != nil {
			return fmt.Errorf("%s: %w", EnvDestinations, err)
		}
		cfg.Destinations = ds
	}
	return nil
}
