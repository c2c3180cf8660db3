package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// EnvPrefix prefixes every environment override, e.g. SMARTCAST_DIAL_TIMEOUT_MS.
const EnvPrefix = "SMARTCAST_"

type Config struct {
	DiscoveryTimeoutMS      int      `json:"discovery_timeout_ms" mapstructure:"discovery_timeout_ms"`
	DescriptionTimeoutMS    int      `json:"description_timeout_ms" mapstructure:"description_timeout_ms"`
	DIALTimeoutMS           int      `json:"dial_timeout_ms" mapstructure:"dial_timeout_ms"`
	WebOSSecurePort         int      `json:"webos_secure_port" mapstructure:"webos_secure_port"`
	WebOSPlainPort          int      `json:"webos_plain_port" mapstructure:"webos_plain_port"`
	WebOSHandshakeTimeoutMS int      `json:"webos_handshake_timeout_ms" mapstructure:"webos_handshake_timeout_ms"`
	TrustDeviceCertificates bool     `json:"trust_device_certificates" mapstructure:"trust_device_certificates"`
	DIALAppIDs              []string `json:"dial_app_ids" mapstructure:"dial_app_ids"`
	PairingStore            string   `json:"pairing_store" mapstructure:"pairing_store"`
	PairingPath             string   `json:"pairing_path" mapstructure:"pairing_path"`
	LogLevel                string   `json:"log_level" mapstructure:"log_level"`
}

// Default returns the settings written to a fresh settings file.
func Default() *Config {
	return &Config{
		DiscoveryTimeoutMS:      4000,
		DescriptionTimeoutMS:    3000,
		DIALTimeoutMS:           5000,
		WebOSSecurePort:         3001,
		WebOSPlainPort:          3000,
		WebOSHandshakeTimeoutMS: 10000,
		TrustDeviceCertificates: true,
		DIALAppIDs:              []string{"com.webos.app.browser", "org.nickel.browser", "Browser", "browser"},
		PairingStore:            "json",
		PairingPath:             "",
		LogLevel:                "info",
	}
}

// GetAppConfig loads the settings file from the user config dir, creating
// it with defaults when missing, and applies envFile and SMARTCAST_*
// environment overrides on top.
func GetAppConfig(envFile string) (*Config, error) {
	path, err := appPath()
	if err != nil {
		return nil, fmt.Errorf("GetAppConfig: failed to access config path due to error %w", err)
	}

	return Load(path, envFile)
}

// Load merges defaults, the settings file at path, the optional env file
// and the process environment, in that order, and validates the result.
func Load(path, envFile string) (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, fmt.Errorf("Load: failed to convert default config due to error %w", err)
	}

	fileValues, err := readSettings(path)
	if err != nil {
		return nil, err
	}
	for k, v := range fileValues {
		merged[k] = v
	}

	if envFile != "" {
		envValues, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("Load: failed to read env file due to error %w", err)
		}
		overlayEnv(merged, func(key string) (string, bool) {
			v, ok := envValues[key]
			return v, ok
		})
	}

	overlayEnv(merged, os.LookupEnv)

	conf := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
		WeaklyTypedInput: true,
		Result:           conf,
	})
	if err != nil {
		return nil, fmt.Errorf("Load: failed to create decoder due to error %w", err)
	}

	if err := decoder.Decode(merged); err != nil {
		return nil, fmt.Errorf("Load: failed to decode config due to error %w", err)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

// readSettings returns the raw values of the settings file, writing the
// defaults first if it does not exist.
func readSettings(path string) (map[string]any, error) {
	cfgfile, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := Default().SaveAppConfig(path); err != nil {
				return nil, fmt.Errorf("Load: failed to create default config due to error %w", err)
			}
			return nil, nil
		}

		return nil, fmt.Errorf("Load: failed to open config due to error %w", err)
	}
	defer cfgfile.Close()

	values := make(map[string]any)
	if err := json.NewDecoder(cfgfile).Decode(&values); err != nil {
		return nil, fmt.Errorf("Load: failed to decode config due to error %w", err)
	}

	return values, nil
}

func overlayEnv(merged map[string]any, lookup func(string) (string, bool)) {
	for key := range merged {
		if v, ok := lookup(EnvPrefix + strings.ToUpper(key)); ok {
			merged[key] = v
		}
	}
}

func toMap(c *Config) (map[string]any, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any)
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}

	return out, nil
}

func appPath() (string, error) {
	oscfg, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("appPath: failed to get config file due to error %w", err)
	}

	return filepath.Join(oscfg, "smartcast", "settings.json"), nil
}

// Dir returns the directory holding the settings file.
func Dir() (string, error) {
	path, err := appPath()
	if err != nil {
		return "", err
	}

	return filepath.Dir(path), nil
}

func (c *Config) Validate() error {
	positive := map[string]int{
		"discovery_timeout_ms":       c.DiscoveryTimeoutMS,
		"description_timeout_ms":     c.DescriptionTimeoutMS,
		"dial_timeout_ms":            c.DIALTimeoutMS,
		"webos_handshake_timeout_ms": c.WebOSHandshakeTimeoutMS,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("Validate: %s must be positive, got %d", name, v)
		}
	}

	for name, port := range map[string]int{
		"webos_secure_port": c.WebOSSecurePort,
		"webos_plain_port":  c.WebOSPlainPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("Validate: %s out of range: %d", name, port)
		}
	}

	switch c.PairingStore {
	case "json", "sqlite", "memory":
	default:
		return fmt.Errorf("Validate: unknown pairing_store %q", c.PairingStore)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("Validate: bad log_level due to error %w", err)
	}

	return nil
}

// SaveAppConfig writes the settings to path.
func (c *Config) SaveAppConfig(path string) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("SaveAppConfig: failed to marshal json due to error %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("SaveAppConfig: failed to create default path due to error %w", err)
	}

	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("SaveAppConfig: failed save config due to error %w", err)
	}

	return nil
}

func (c *Config) DiscoveryTimeout() time.Duration {
	return time.Duration(c.DiscoveryTimeoutMS) * time.Millisecond
}

func (c *Config) DescriptionTimeout() time.Duration {
	return time.Duration(c.DescriptionTimeoutMS) * time.Millisecond
}

func (c *Config) DIALTimeout() time.Duration {
	return time.Duration(c.DIALTimeoutMS) * time.Millisecond
}

func (c *Config) WebOSHandshakeTimeout() time.Duration {
	return time.Duration(c.WebOSHandshakeTimeoutMS) * time.Millisecond
}

// Level returns the zerolog level for LogLevel, Info if it does not parse.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
