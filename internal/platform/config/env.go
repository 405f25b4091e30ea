package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvironmentValues merges the dotenv file, the process environment and WithEnvMap using Load's
// precedence. main reads it before Load to build the secret fetcher.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)

	values, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = map[string]string{}
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if key = strings.TrimSpace(key); ok && key != "" {
				values[key] = value
			}
		}
	}
	maps.Copy(values, options.envMap)
	return values, nil
}

// LoadSecretsConfig reads the Secret Manager settings. The project falls back to the Firebase
// project.
func LoadSecretsConfig(values map[string]string) SecretsConfig {
	env := envValues(values)
	return SecretsConfig{
		DefaultProjectID: env.str("API_SECRET_DEFAULT_PROJECT_ID", env.str("API_FIREBASE_PROJECT_ID", "")),
		FallbackFile:     env.str("API_SECRET_FALLBACK_FILE", defaultSecretsFallbackFile),
	}
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return values, nil
}

// envValues reads typed settings. Blank or unparsable values fall back to the default.
type envValues map[string]string

func (e envValues) raw(key string) (string, bool) {
	value := strings.TrimSpace(e[key])
	return value, value != ""
}

func (e envValues) str(key, fallback string) string {
	if value, ok := e.raw(key); ok {
		return value
	}
	return fallback
}

func (e envValues) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := e.raw(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (e envValues) integer(key string, fallback int) int {
	if value, ok := e.raw(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func (e envValues) boolean(key string, fallback bool) bool {
	if value, ok := e.raw(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
