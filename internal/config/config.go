package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Protocol names accepted in club definitions
const (
	ProtocolMatrix = "matrix"
	ProtocolNostr  = "nostr"
)

// Config represents the complete clubfeed configuration
type Config struct {
	Identity Identity `yaml:"identity"`
	Matrix   Matrix   `yaml:"matrix"`
	Nostr    Nostr    `yaml:"nostr"`
	Clubs    []Club   `yaml:"clubs" validate:"dive"`
	Feed     Feed     `yaml:"feed"`
	Storage  Storage  `yaml:"storage"`
	Logging  Logging  `yaml:"logging"`
	HTTP     HTTP     `yaml:"http"`
}

// Identity contains the local user identity used for reactions and posting
type Identity struct {
	// MatrixUserID is the full mxid (@user:server) of the session owner
	MatrixUserID string `yaml:"matrix_user_id"`
	// NostrNsec is loaded from CLUBFEED_NOSTR_NSEC, never from the file
	NostrNsec string `yaml:"-"`
}

// Matrix contains homeserver connection settings
type Matrix struct {
	Enabled       bool   `yaml:"enabled"`
	HomeserverURL string `yaml:"homeserver_url" validate:"required_if=Enabled true,omitempty,url"`
	// AccessToken is loaded from CLUBFEED_MATRIX_TOKEN when empty
	AccessToken string `yaml:"access_token"`
	SyncTimeout int    `yaml:"sync_timeout_ms" validate:"gte=0"`
}

// Nostr contains relay settings for NIP-28 channels
type Nostr struct {
	Enabled bool        `yaml:"enabled"`
	Relays  []string    `yaml:"relays"`
	Policy  RelayPolicy `yaml:"policy"`
}

// RelayPolicy contains relay connection policies
type RelayPolicy struct {
	ConnectTimeoutMs int `yaml:"connect_timeout_ms" validate:"gte=0"`
	DedupCacheSize   int `yaml:"dedup_cache_size" validate:"gte=0"`
}

// Club binds a display name to a room on one protocol
type Club struct {
	Name     string `yaml:"name" validate:"required"`
	Protocol string `yaml:"protocol" validate:"required,oneof=matrix nostr"`
	// Room is a Matrix room id (!abc:server) or a Nostr kind 40 channel id
	Room string `yaml:"room" validate:"required"`
}

// Feed contains feed reconstruction and pagination settings
type Feed struct {
	HeaderSentinel string `yaml:"header_sentinel" validate:"required"`
	PageSize       int    `yaml:"page_size" validate:"gte=1,lte=1000"`
	InitialPosts   int    `yaml:"initial_posts" validate:"gte=0"`
	AutoFillPosts  int    `yaml:"auto_fill_posts" validate:"gte=0"`
}

// Storage contains the event cache settings for the Nostr adapter
type Storage struct {
	Driver     string    `yaml:"driver"` // sqlite|memory
	SQLitePath string    `yaml:"sqlite_path"`
	Retention  Retention `yaml:"retention"`
}

// Retention bounds the cached history of each channel. Zero limits keep
// everything.
type Retention struct {
	Enabled         bool `yaml:"enabled"`
	KeepDays        int  `yaml:"keep_days" validate:"gte=0"`
	MaxMessages     int  `yaml:"max_messages_per_channel" validate:"gte=0"`
	IntervalMinutes int  `yaml:"interval_minutes" validate:"gte=0"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// HTTP contains the JSON/metrics listener settings
type HTTP struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port" validate:"omitempty,gte=1,lte=65535"`
}

// Address returns the listen address for the HTTP surface
func (h HTTP) Address() string {
	return fmt.Sprintf("%s:%d", h.Bind, h.Port)
}

var (
	validStorageDrivers = map[string]bool{"sqlite": true, "memory": true}
	validLogLevels      = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats     = map[string]bool{"text": true, "json": true}
)

// Load reads, defaults, overrides and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with every default applied
func Default() *Config {
	return &Config{
		Matrix: Matrix{
			SyncTimeout: 30000,
		},
		Nostr: Nostr{
			Policy: RelayPolicy{
				ConnectTimeoutMs: 10000,
				DedupCacheSize:   5000,
			},
		},
		Feed: Feed{
			HeaderSentinel: "gRoUp",
			PageSize:       50,
			InitialPosts:   10,
			AutoFillPosts:  1,
		},
		Storage: Storage{
			Driver:     "sqlite",
			SQLitePath: "./data/clubfeed.db",
			Retention: Retention{
				IntervalMinutes: 60,
			},
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		HTTP: HTTP{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8740,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Matrix.SyncTimeout == 0 {
		cfg.Matrix.SyncTimeout = defaults.Matrix.SyncTimeout
	}
	if cfg.Nostr.Policy.ConnectTimeoutMs == 0 {
		cfg.Nostr.Policy.ConnectTimeoutMs = defaults.Nostr.Policy.ConnectTimeoutMs
	}
	if cfg.Nostr.Policy.DedupCacheSize == 0 {
		cfg.Nostr.Policy.DedupCacheSize = defaults.Nostr.Policy.DedupCacheSize
	}

	if cfg.Feed.HeaderSentinel == "" {
		cfg.Feed.HeaderSentinel = defaults.Feed.HeaderSentinel
	}
	if cfg.Feed.PageSize == 0 {
		cfg.Feed.PageSize = defaults.Feed.PageSize
	}
	if cfg.Feed.InitialPosts == 0 {
		cfg.Feed.InitialPosts = defaults.Feed.InitialPosts
	}
	if cfg.Feed.AutoFillPosts == 0 {
		cfg.Feed.AutoFillPosts = defaults.Feed.AutoFillPosts
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.Driver == "sqlite" && cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}
	if cfg.Storage.Retention.IntervalMinutes == 0 {
		cfg.Storage.Retention.IntervalMinutes = defaults.Storage.Retention.IntervalMinutes
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}

	if cfg.HTTP.Bind == "" {
		cfg.HTTP.Bind = defaults.HTTP.Bind
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = defaults.HTTP.Port
	}
}

func applyEnvOverrides(cfg *Config) error {
	if token := os.Getenv("CLUBFEED_MATRIX_TOKEN"); token != "" {
		cfg.Matrix.AccessToken = token
	}

	if nsec := os.Getenv("CLUBFEED_NOSTR_NSEC"); nsec != "" {
		if !strings.HasPrefix(nsec, "nsec1") {
			return fmt.Errorf("CLUBFEED_NOSTR_NSEC must start with 'nsec1'")
		}
		cfg.Identity.NostrNsec = nsec
	}

	if level := os.Getenv("CLUBFEED_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}

	return nil
}

// Validate checks struct tags first, then the cross-section rules
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	if !cfg.Matrix.Enabled && !cfg.Nostr.Enabled {
		return fmt.Errorf("at least one protocol must be enabled")
	}

	if cfg.Matrix.Enabled {
		if cfg.Identity.MatrixUserID == "" {
			return fmt.Errorf("identity.matrix_user_id is required when matrix is enabled")
		}
		if !strings.HasPrefix(cfg.Identity.MatrixUserID, "@") || !strings.Contains(cfg.Identity.MatrixUserID, ":") {
			return fmt.Errorf("identity.matrix_user_id must look like @user:server")
		}
		if cfg.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.access_token (or CLUBFEED_MATRIX_TOKEN) is required when matrix is enabled")
		}
	}

	if cfg.Nostr.Enabled {
		if len(cfg.Nostr.Relays) == 0 {
			return fmt.Errorf("at least one nostr relay is required when nostr is enabled")
		}
		for _, relay := range cfg.Nostr.Relays {
			if !strings.HasPrefix(relay, "wss://") && !strings.HasPrefix(relay, "ws://") {
				return fmt.Errorf("nostr relay must start with ws:// or wss://: %s", relay)
			}
		}
	}

	if len(cfg.Clubs) == 0 {
		return fmt.Errorf("at least one club is required")
	}
	seen := make(map[string]bool, len(cfg.Clubs))
	for _, club := range cfg.Clubs {
		if seen[club.Name] {
			return fmt.Errorf("duplicate club name: %s", club.Name)
		}
		seen[club.Name] = true

		switch club.Protocol {
		case ProtocolMatrix:
			if !cfg.Matrix.Enabled {
				return fmt.Errorf("club %s uses matrix but matrix is disabled", club.Name)
			}
			if !strings.HasPrefix(club.Room, "!") {
				return fmt.Errorf("club %s: matrix room id must start with '!'", club.Name)
			}
		case ProtocolNostr:
			if !cfg.Nostr.Enabled {
				return fmt.Errorf("club %s uses nostr but nostr is disabled", club.Name)
			}
			if len(club.Room) != 64 {
				return fmt.Errorf("club %s: nostr channel id must be a 64 character hex event id", club.Name)
			}
		}
	}

	if !validStorageDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s (must be one of: sqlite, memory)", cfg.Storage.Driver)
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be one of: text, json)", cfg.Logging.Format)
	}

	return nil
}

// ClubsFor returns the clubs configured for one protocol
func (c *Config) ClubsFor(protocol string) []Club {
	var clubs []Club
	for _, club := range c.Clubs {
		if club.Protocol == protocol {
			clubs = append(clubs, club)
		}
	}
	return clubs
}
