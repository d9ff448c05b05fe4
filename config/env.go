package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables
const (
	EnvConfigFile = "FLASHLENDER_CONFIG"
	EnvDebug      = "FLASHLENDER_DEBUG"
	EnvAPIListen  = "FLASHLENDER_API_LISTEN"
	EnvJournal    = "FLASHLENDER_JOURNAL" // path; enables the journal
)

// LoadEnv loads environment variables from the given .env files, or .env
// when none are given. A missing file is not an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// ApplyEnv overrides file settings with FLASHLENDER_* variables
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvDebug); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvDebug, v, err)
		}
		c.Debug = debug
	}
	c.API.Listen = GetEnvWithDefault(EnvAPIListen, c.API.Listen)
	if v := os.Getenv(EnvJournal); v != "" {
		c.Journal.Enabled = true
		c.Journal.Path = v
	}
	return nil
}
