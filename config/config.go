package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config represents the server configuration read from the environment.
type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Admin          AdminConfig
	Redis          RedisConfig
	Relay          RelayConfig
	StaticDir      string
	LogLevel       string
}

// AdminConfig holds the operator credentials accepted by /api/auth/login.
// An empty password disables login.
type AdminConfig struct {
	User     string
	Password string
}

// RedisConfig represents the connection to the presence mirror.
type RedisConfig struct {
	// Addr is host:port. Empty disables the presence mirror.
	Addr     string
	Password string
	DB       int
}

// RelayConfig represents how far chat and departure events travel.
type RelayConfig struct {
	// ChatScope is "room" or "global".
	ChatScope string
	// LeaveScope is "global" or "room".
	LeaveScope string
}

// Load reads the configuration from environment variables, applying
// defaults for anything unset.
func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "3001")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("JWT_SECRET", "change-me-in-production")
	v.SetDefault("ADMIN_USER", "admin")
	v.SetDefault("ADMIN_PASSWORD", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CHAT_SCOPE", "room")
	v.SetDefault("LEAVE_SCOPE", "global")
	v.SetDefault("STATIC_DIR", "client/build")
	v.SetDefault("LOG_LEVEL", "info")

	return &Config{
		Port:           v.GetString("PORT"),
		Environment:    v.GetString("ENVIRONMENT"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		JWTSecret:      v.GetString("JWT_SECRET"),
		Admin: AdminConfig{
			User:     v.GetString("ADMIN_USER"),
			Password: v.GetString("ADMIN_PASSWORD"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Relay: RelayConfig{
			ChatScope:  strings.ToLower(v.GetString("CHAT_SCOPE")),
			LeaveScope: strings.ToLower(v.GetString("LEAVE_SCOPE")),
		},
		StaticDir: v.GetString("STATIC_DIR"),
		LogLevel:  v.GetString("LOG_LEVEL"),
	}
}

// IsProduction reports whether built client assets should be served.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// splitList parses a comma-separated origin list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
