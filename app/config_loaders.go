package airchat

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
)

type ConfigLoader interface {
	Load() (*Config, error)
}

// EnvConfigLoader loads the .env files, if present, into the environment
// and then reads the configuration like LoadConfig does.
type EnvConfigLoader struct {
	// File is an optional config file.
	File string
	// EnvFiles default to .env.
	EnvFiles []string
}

func (l *EnvConfigLoader) Load() (*Config, error) {
	for _, f := range l.envFiles() {
		// variables already set in the environment win
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return LoadConfig(l.File)
}

func (l *EnvConfigLoader) envFiles() []string {
	if len(l.EnvFiles) == 0 {
		return []string{".env"}
	}
	return l.EnvFiles
}

// DefaultConfigLoader returns a development configuration with a random secret.
type DefaultConfigLoader struct {
}

func (l *DefaultConfigLoader) Load() (*Config, error) {
	// Generate a random secret
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	if err != nil {
		return nil, errors.New("failed to generate secret")
	}

	config := &Config{
		Port:           8080,
		Hostname:       "0.0.0.0",
		Mode:           DevMode,
		LogLevel:       "info",
		AllowedOrigins: []string{"*"},
	}
	config.Auth.Secret = secret
	config.Auth.TokenExp = 24 * time.Hour
	config.SQLite.File = "./airchat.db"
	config.SQLite.Migrations = "./migrations"
	config.Redis.Channel = "airchat:changes"
	return config, nil
}
