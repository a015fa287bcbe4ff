package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the runtime configuration of the replay tool.
type Config struct {
	StoreType   string `json:"store_type"` // memory|bolt|sqlite
	DataDir     string `json:"data_dir"`
	LogLevel    string `json:"log_level"`
	PageSize    int    `json:"page_size"`
	MaxLagSlots uint64 `json:"max_lag_slots"`
	PolicyPath  string `json:"policy_path"`
}

var allowedStoreTypes = map[string]struct{}{
	"memory": {},
	"bolt":   {},
	"sqlite": {},
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".agenc-replay"
	}
	return filepath.Join(home, ".agenc-replay")
}

func DefaultConfig() Config {
	return Config{
		StoreType:   "memory",
		DataDir:     DefaultDataDir(),
		LogLevel:    "info",
		PageSize:    256,
		MaxLagSlots: 5_000,
	}
}

// ApplyEnv overlays REPLAY_* environment overrides onto cfg.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("REPLAY_STORE"); v != "" {
		cfg.StoreType = v
	}
	if v := os.Getenv("REPLAY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("REPLAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

func ValidateConfig(cfg Config) error {
	storeType := strings.ToLower(strings.TrimSpace(cfg.StoreType))
	if _, ok := allowedStoreTypes[storeType]; !ok {
		return fmt.Errorf("invalid store_type %q", cfg.StoreType)
	}
	if strings.TrimSpace(cfg.DataDir) == "" && storeType != "memory" {
		return errors.New("data_dir is required for durable stores")
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.PageSize <= 0 {
		return errors.New("page_size must be > 0")
	}
	if cfg.PageSize > 65536 {
		return errors.New("page_size must be <= 65536")
	}
	return nil
}
