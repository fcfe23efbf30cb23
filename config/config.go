// Package config loads the bot configuration from an optional file and the
// environment and validates it before anything else starts.
// Environment variables override file values; see Load for the key list.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/onnwee/checksum-sentinel/checksums"
	"github.com/onnwee/checksum-sentinel/errclass"
)

// Store backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// HTTPDisabled as http_addr turns the probe server off.
const HTTPDisabled = "off"

type Config struct {
	// Cursor storage
	StoreLocation string `mapstructure:"store_location"`
	StoreBackend  string `mapstructure:"store_backend"`
	DBDsn         string `mapstructure:"db_dsn"`

	// Reaction
	PushMessageSubstring string         `mapstructure:"push_message_substring"`
	Messages             MessagesConfig `mapstructure:"messages"`

	Matrix    MatrixConfig    `mapstructure:"matrix"`
	Checksums ChecksumsConfig `mapstructure:"checksums"`

	RetryDelay time.Duration `mapstructure:"retry_delay"`
	HTTPAddr   string        `mapstructure:"http_addr"`
}

type MessagesConfig struct {
	DepsUpToDate  string `mapstructure:"deps_up_to_date"`
	DepsOutOfDate string `mapstructure:"deps_out_of_date"`
}

type MatrixConfig struct {
	ServerHost  string `mapstructure:"server_host"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}

type ChecksumsConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	MozillaRev string `mapstructure:"mozilla_rev"`
	CommRev    string `mapstructure:"comm_rev"`
}

// keys maps every config key to its environment variable.
var keys = map[string]string{
	"store_location":            "STORE_LOCATION",
	"store_backend":             "STORE_BACKEND",
	"db_dsn":                    "DB_DSN",
	"push_message_substring":    "PUSH_MESSAGE_SUBSTRING",
	"messages.deps_up_to_date":  "MESSAGES_DEPS_UP_TO_DATE",
	"messages.deps_out_of_date": "MESSAGES_DEPS_OUT_OF_DATE",
	"matrix.server_host":        "MATRIX_SERVER_HOST",
	"matrix.access_token":       "MATRIX_ACCESS_TOKEN",
	"matrix.room_id":            "MATRIX_ROOM_ID",
	"checksums.base_url":        "CHECKSUMS_BASE_URL",
	"checksums.mozilla_rev":     "CHECKSUMS_MOZILLA_REV",
	"checksums.comm_rev":        "CHECKSUMS_COMM_REV",
	"retry_delay":               "RETRY_DELAY",
	"http_addr":                 "HTTP_ADDR",
}

// Load reads the file at path (TOML, YAML or JSON by extension) when path is
// non-empty, applies environment overrides and defaults, and validates the
// result. Every failure is an errclass Config error.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("store_backend", BackendFile)
	v.SetDefault("checksums.base_url", checksums.DefaultBaseURL)
	v.SetDefault("checksums.mozilla_rev", checksums.DefaultRev)
	v.SetDefault("checksums.comm_rev", checksums.DefaultRev)
	v.SetDefault("retry_delay", "30s")
	v.SetDefault("http_addr", ":8080")

	for key, env := range keys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errclass.Config("bind env", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if strings.HasSuffix(path, ".conf") {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if errors.As(err, &pathErr) {
				return nil, errclass.Config("read config", fmt.Errorf("config file %s: %w", path, pathErr.Err))
			}
			return nil, errclass.Config("read config", fmt.Errorf("reading config %s: %w", path, err))
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errclass.Config("parse config", err)
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and combinations.
func (c *Config) Validate() error {
	var missing []string
	required := []struct{ key, val string }{
		{"push_message_substring", c.PushMessageSubstring},
		{"messages.deps_up_to_date", c.Messages.DepsUpToDate},
		{"messages.deps_out_of_date", c.Messages.DepsOutOfDate},
		{"matrix.server_host", c.Matrix.ServerHost},
		{"matrix.access_token", c.Matrix.AccessToken},
		{"matrix.room_id", c.Matrix.RoomID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return errclass.Configf("missing required config: %s", strings.Join(missing, ", "))
	}

	// A notice containing the trigger would trigger the bot again.
	for key, msg := range map[string]string{
		"messages.deps_up_to_date":  c.Messages.DepsUpToDate,
		"messages.deps_out_of_date": c.Messages.DepsOutOfDate,
	} {
		if strings.Contains(msg, c.PushMessageSubstring) {
			return errclass.Configf("%s contains push_message_substring %q", key, c.PushMessageSubstring)
		}
	}

	switch c.StoreBackend {
	case BackendFile:
	case BackendPostgres:
		if c.DBDsn == "" {
			return errclass.Configf("store_backend %q requires db_dsn", BackendPostgres)
		}
	default:
		return errclass.Configf("unknown store_backend %q (want %s or %s)", c.StoreBackend, BackendFile, BackendPostgres)
	}

	if c.RetryDelay <= 0 {
		return errclass.Configf("retry_delay must be positive, got %s", c.RetryDelay)
	}
	return nil
}

// HTTPEnabled reports whether the probe server should run.
func (c *Config) HTTPEnabled() bool {
	return c.HTTPAddr != "" && !strings.EqualFold(c.HTTPAddr, HTTPDisabled)
}

// ChangeSet returns the revisions the verifier compares.
func (c *Config) ChangeSet() checksums.ChangeSet {
	return checksums.ChangeSet{MozillaRev: c.Checksums.MozillaRev, CommRev: c.Checksums.CommRev}
}
