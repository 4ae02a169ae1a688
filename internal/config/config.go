// Package config provides configuration loading for the ha-humidifier bridge.
// Configuration is loaded in order: YAML file → .env file → ENV vars → CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/zorak1103/ha-humidifier/internal/humidifier"
)

var loadEnvOnce sync.Once

// loadDotEnv loads .env file if it exists (does not override existing env vars).
// It is called once before loading configuration.
func loadDotEnv() {
	loadEnvOnce.Do(func() {
		dotEnvSearchPaths := []string{".env", "configs/.env"}
		for _, f := range dotEnvSearchPaths {
			if _, err := os.Stat(f); err == nil {
				_ = godotenv.Load(f)
				return
			}
		}
	})
}

// mustBindEnv binds an environment variable to a config key, panicking on error.
// viper.BindEnv only fails for an empty key.
func mustBindEnv(v *viper.Viper, key string, envVars ...string) {
	if err := v.BindEnv(append([]string{key}, envVars...)...); err != nil {
		panic(fmt.Sprintf("failed to bind env var for key %s: %v", key, err))
	}
}

// Config holds all configuration for the bridge.
type Config struct {
	HomeAssistant HomeAssistantConfig `mapstructure:"homeassistant" yaml:"homeassistant"`
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging"`
	Humidifiers   []HumidifierConfig  `mapstructure:"humidifiers" yaml:"humidifiers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// HomeAssistantConfig holds Home Assistant connection settings.
type HomeAssistantConfig struct {
	URL   string `mapstructure:"url" yaml:"url"`
	Token string `mapstructure:"token" yaml:"token"`
}

// ServerConfig holds MCP server settings.
type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// HumidifierConfig describes one virtual humidifier.
type HumidifierConfig struct {
	// ID identifies the entry; defaults to a slug of Name.
	ID   string `mapstructure:"id" yaml:"id,omitempty"`
	Name string `mapstructure:"name" yaml:"name"`
	// Source is the fan, by entity id or entity registry id.
	Source string `mapstructure:"source" yaml:"source"`
	// EntityID is the humidity sensor, by entity id or entity registry id.
	EntityID       string `mapstructure:"entity_id" yaml:"entity_id"`
	FunctionEntity string `mapstructure:"function_entity" yaml:"function_entity,omitempty"`
	ObjectID       string `mapstructure:"object_id" yaml:"object_id,omitempty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("homeassistant.url", "http://homeassistant.local:8123")
	v.SetDefault("homeassistant.token", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "INFO")
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	mustBindEnv(v, "homeassistant.url", "HA_URL")
	mustBindEnv(v, "homeassistant.token", "HA_TOKEN")
	mustBindEnv(v, "server.port", "HA_HUMIDIFIER_PORT")
	mustBindEnv(v, "logging.level", "HA_HUMIDIFIER_LOG_LEVEL")
}

// Load loads configuration from YAML file, environment variables and .env.
// Priority: ENV vars > .env file > YAML file > defaults.
// The configFile parameter is the path to the YAML config file (can be empty).
func Load(configFile string) (*Config, error) {
	return LoadWithViper(viper.New(), configFile)
}

// BindFlags sets values given on the command line. Call it before
// LoadWithViper so flags take precedence over everything else.
func BindFlags(v *viper.Viper, haURL, haToken string, port int) {
	if haURL != "" {
		v.Set("homeassistant.url", haURL)
	}
	if haToken != "" {
		v.Set("homeassistant.token", haToken)
	}
	if port != 0 {
		v.Set("server.port", port)
	}
}

// LoadWithViper loads and validates configuration using a pre-configured
// viper instance, which allows CLI flags to be bound before loading.
func LoadWithViper(v *viper.Viper, configFile string) (*Config, error) {
	cfg, err := read(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadForDisplay loads configuration without validation, for display purposes.
// This allows showing the effective configuration even if required fields are missing.
func LoadForDisplay(configFile string) (*Config, error) {
	return read(viper.New(), configFile)
}

func read(v *viper.Viper, configFile string) (*Config, error) {
	loadDotEnv()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	bindEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills humidifier ids from their names.
func (c *Config) applyDefaults() {
	for i := range c.Humidifiers {
		h := &c.Humidifiers[i]
		h.ID = strings.TrimSpace(h.ID)
		if h.ID == "" {
			h.ID = Slugify(h.Name)
		}
	}
}

// Entries converts the humidifier section into manager entries.
func (c *Config) Entries() []humidifier.Entry {
	entries := make([]humidifier.Entry, 0, len(c.Humidifiers))
	for _, h := range c.Humidifiers {
		entries = append(entries, humidifier.Entry{
			ID:             h.ID,
			Name:           h.Name,
			Source:         h.Source,
			HumidityEntity: h.EntityID,
			FunctionEntity: h.FunctionEntity,
			ObjectID:       h.ObjectID,
		})
	}
	return entries
}

// MaskedConfig returns a copy of the config with sensitive data masked.
func (c *Config) MaskedConfig() Config {
	masked := *c
	if masked.HomeAssistant.Token != "" {
		masked.HomeAssistant.Token = maskToken(masked.HomeAssistant.Token)
	}
	return masked
}

// maskToken masks a token, showing only the first 4 and last 4 characters.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}

// validate checks that all required configuration is present.
func (c *Config) validate() error {
	if c.HomeAssistant.URL == "" {
		return fmt.Errorf("homeassistant.url is required")
	}
	if c.HomeAssistant.Token == "" {
		return fmt.Errorf("homeassistant.token is required (set via HA_TOKEN env var, --ha-token flag, or config file)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return c.validateHumidifiers()
}

func (c *Config) validateHumidifiers() error {
	var errs []error
	ids := make(map[string]int, len(c.Humidifiers))
	entityIDs := make(map[string]int, len(c.Humidifiers))

	for i, h := range c.Humidifiers {
		prefix := fmt.Sprintf("humidifiers[%d]", i)

		var missing []string
		if strings.TrimSpace(h.Name) == "" {
			missing = append(missing, "name")
		}
		if strings.TrimSpace(h.Source) == "" {
			missing = append(missing, "source")
		}
		if strings.TrimSpace(h.EntityID) == "" {
			missing = append(missing, "entity_id")
		}
		if len(missing) > 0 {
			errs = append(errs, fmt.Errorf("%s: %s required", prefix, strings.Join(missing, ", ")))
			continue
		}

		if h.ID == "" || Slugify(h.ID) != h.ID {
			errs = append(errs, fmt.Errorf("%s: id %q must be lowercase letters, digits and underscores", prefix, h.ID))
			continue
		}
		if h.ObjectID != "" && Slugify(h.ObjectID) != h.ObjectID {
			errs = append(errs, fmt.Errorf("%s: object_id %q must be lowercase letters, digits and underscores", prefix, h.ObjectID))
			continue
		}

		if j, dup := ids[h.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: id %q already used by humidifiers[%d]", prefix, h.ID, j))
		}
		ids[h.ID] = i

		entry := humidifier.Entry{ID: h.ID, ObjectID: h.ObjectID}
		if j, dup := entityIDs[entry.EntityID()]; dup {
			errs = append(errs, fmt.Errorf("%s: entity %s already used by humidifiers[%d]", prefix, entry.EntityID(), j))
		}
		entityIDs[entry.EntityID()] = i
	}
	return errors.Join(errs...)
}

// Slugify turns a display name into an identifier made of lowercase ASCII
// letters, digits and single underscores.
func Slugify(s string) string {
	var sb strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && sb.Len() > 0 {
				sb.WriteByte('_')
			}
			pendingSep = false
			sb.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	return sb.String()
}
