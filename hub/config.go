package hub

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Listen         string   `toml:"listen"`
	JwtSecret      string   `toml:"jwt_secret"`
	JwtTtlHours    int      `toml:"jwt_ttl_hours"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

func DefaultConfig() *Config {
	settings := DefaultHubSettings()
	return &Config{
		Listen:         ":8090",
		JwtSecret:      settings.JwtSecret,
		JwtTtlHours:    int(settings.JwtTtl / time.Hour),
		AllowedOrigins: settings.AllowedOrigins,
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return config, nil
}

func (self *Config) HubSettings() *HubSettings {
	return &HubSettings{
		JwtSecret:      self.JwtSecret,
		JwtTtl:         time.Duration(self.JwtTtlHours) * time.Hour,
		AllowedOrigins: self.AllowedOrigins,
	}
}
