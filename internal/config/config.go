package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTP         HTTPConfig
	DatabaseURL  string
	Auth         AuthConfig
	AuditLogFile string
	UserStateFile string
	MigrationsDir string
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type AuthConfig struct {
	BootstrapUsername string
	BootstrapPassword string
	SeedUsersFile     string
	LockoutThreshold  int
	LockoutDuration   time.Duration
	SessionTTL        time.Duration
	StoreTimeout      time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":8080"),
			ReadTimeout:     time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SEC", 10)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SEC", 15)) * time.Second,
			ShutdownTimeout: time.Duration(getEnvInt("HTTP_SHUTDOWN_TIMEOUT_SEC", 20)) * time.Second,
		},
		DatabaseURL: getEnv("VOUCHER_DB_URL", ""),
		Auth: AuthConfig{
			BootstrapUsername: getEnv("AUTH_BOOTSTRAP_USERNAME", "admin"),
			BootstrapPassword: getEnv("AUTH_BOOTSTRAP_PASSWORD", "admin12345"),
			SeedUsersFile:     getEnv("AUTH_SEED_USERS_FILE", ""),
			LockoutThreshold:  getEnvInt("AUTH_LOCKOUT_THRESHOLD", 5),
			LockoutDuration:   time.Duration(getEnvInt("AUTH_LOCKOUT_DURATION_SEC", 15*60)) * time.Second,
			SessionTTL:        time.Duration(getEnvInt("AUTH_SESSION_TTL_SEC", 24*60*60)) * time.Second,
			StoreTimeout:      time.Duration(getEnvInt("AUTH_STORE_TIMEOUT_SEC", 5)) * time.Second,
		},
		AuditLogFile:  getEnv("AUDIT_LOG_FILE", "./data/audit.log"),
		UserStateFile: getEnv("AUTH_USER_STATE_FILE", "./data/auth_users.json"),
		MigrationsDir: getEnv("MIGRATIONS_DIR", "./migrations"),
	}

	if cfg.HTTP.Addr == "" {
		return Config{}, fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if cfg.Auth.BootstrapUsername == "" {
		return Config{}, fmt.Errorf("AUTH_BOOTSTRAP_USERNAME must not be empty")
	}
	if cfg.Auth.BootstrapPassword == "" {
		return Config{}, fmt.Errorf("AUTH_BOOTSTRAP_PASSWORD must not be empty")
	}
	if cfg.Auth.LockoutThreshold <= 0 {
		return Config{}, fmt.Errorf("AUTH_LOCKOUT_THRESHOLD must be > 0")
	}
	if cfg.Auth.LockoutDuration <= 0 {
		return Config{}, fmt.Errorf("AUTH_LOCKOUT_DURATION_SEC must be > 0")
	}
	if cfg.Auth.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("AUTH_SESSION_TTL_SEC must be > 0")
	}
	if cfg.Auth.StoreTimeout <= 0 {
		return Config{}, fmt.Errorf("AUTH_STORE_TIMEOUT_SEC must be > 0")
	}
	if cfg.AuditLogFile == "" {
		return Config{}, fmt.Errorf("AUDIT_LOG_FILE must not be empty")
	}
	if cfg.UserStateFile == "" {
		return Config{}, fmt.Errorf("AUTH_USER_STATE_FILE must not be empty")
	}
	if cfg.MigrationsDir == "" {
		return Config{}, fmt.Errorf("MIGRATIONS_DIR must not be empty")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) int {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
