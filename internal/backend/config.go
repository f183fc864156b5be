package backend

import (
	"fmt"
	"time"

	"loanledger/internal/config"
)

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	backendType := BackendType(appConfig.DataBackend)
	if !backendType.IsValid() {
		return Config{}, fmt.Errorf("invalid backend type in config: %s", appConfig.DataBackend)
	}

	return Config{
		Type:              backendType,
		SQLiteDBPath:      appConfig.SQLiteDBPath,
		DataDirectory:     appConfig.DataDirectory,
		CategoryCacheSize: appConfig.CategoryCacheSize,
		CategoryCacheTTL:  appConfig.CategoryCacheTTL,
	}, nil
}

// Validate validates the backend configuration
func (c Config) Validate() error {
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid backend type: %s", c.Type)
	}
	if c.Type == SQLiteBackend && c.SQLiteDBPath == "" {
		return fmt.Errorf("SQLite database path is required for sqlite backend")
	}
	return nil
}

func (c Config) cacheSettings() (int, time.Duration) {
	size, ttl := c.CategoryCacheSize, c.CategoryCacheTTL
	if size <= 0 {
		size = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return size, ttl
}

// GetBackendTypes returns all valid backend types
func GetBackendTypes() []BackendType {
	return []BackendType{SQLiteBackend, MemoryBackend}
}
