// Package config loads and validates mmrelay's YAML configuration (spec
// §6's external-interfaces key set), using the teacher's viper idiom:
// defaults, then config file, then environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config is the root of mmrelay's configuration file (spec §6).
type Config struct {
	Matrix      MatrixConfig  `mapstructure:"matrix"`
	MatrixRooms []RoomMapping `mapstructure:"matrix_rooms"`

	Meshtastic MeshtasticConfig `mapstructure:"meshtastic"`

	Database DatabaseConfig `mapstructure:"database"`
	// DB is the legacy top-level key (spec §6: `db.msg_map.msgs_to_keep`),
	// mapped onto Database.MsgMap with a deprecation warning if set.
	DB struct {
		MsgMap MsgMapConfig `mapstructure:"msg_map"`
	} `mapstructure:"db"`

	Logging LoggingConfig `mapstructure:"logging"`
	Health  HealthConfig  `mapstructure:"health"`
	Admin   AdminConfig   `mapstructure:"admin"`

	// CredentialsPath is not a YAML key; it's the platform-specific path
	// main resolves the JSON credentials file to before calling Load.
	CredentialsPath string `mapstructure:"-"`
}

// AdminConfig is the admin.* section (spec §9's admin CLI surface,
// generalized from the teacher's IRC admin handler to Matrix rooms/users).
type AdminConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	CommandPrefix string   `mapstructure:"command_prefix"`
	AllowList     []string `mapstructure:"allow_list"`
	Rooms         []string `mapstructure:"rooms"`
}

// MatrixConfig is the matrix.* section.
type MatrixConfig struct {
	Homeserver  string `mapstructure:"homeserver"`
	AccessToken string `mapstructure:"access_token"`
	BotUserID   string `mapstructure:"bot_user_id"`

	E2EE struct {
		Enabled   bool   `mapstructure:"enabled"`
		StorePath string `mapstructure:"store_path"`
	} `mapstructure:"e2ee"`

	PrefixEnabled bool   `mapstructure:"prefix_enabled"`
	PrefixFormat  string `mapstructure:"prefix_format"`
}

// RoomMapping is one entry of matrix_rooms[].
type RoomMapping struct {
	ID                string `mapstructure:"id"`
	MeshtasticChannel int    `mapstructure:"meshtastic_channel"`
}

// MessageInteractions is meshtastic.message_interactions.
type MessageInteractions struct {
	Reactions bool `mapstructure:"reactions"`
	Replies   bool `mapstructure:"replies"`
}

// HealthCheckConfig is meshtastic.health_check.
type HealthCheckConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	HeartbeatInterval int  `mapstructure:"heartbeat_interval"`
}

// MeshtasticConfig is the meshtastic.* section.
type MeshtasticConfig struct {
	ConnectionType string `mapstructure:"connection_type"`
	SerialPort     string `mapstructure:"serial_port"`
	Host           string `mapstructure:"host"`
	BLEAddress     string `mapstructure:"ble_address"`

	MeshnetName string `mapstructure:"meshnet_name"`

	BroadcastEnabled bool `mapstructure:"broadcast_enabled"`
	DetectionSensor  bool `mapstructure:"detection_sensor"`

	PrefixEnabled bool   `mapstructure:"prefix_enabled"`
	PrefixFormat  string `mapstructure:"prefix_format"`

	MessageInteractions MessageInteractions `mapstructure:"message_interactions"`
	// RelayReactions is the legacy key (spec §6): maps to
	// {reactions:true, replies:false} with a deprecation warning.
	RelayReactions *bool `mapstructure:"relay_reactions"`

	MessageDelay float64 `mapstructure:"message_delay"`

	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
}

// MsgMapConfig is database.msg_map.
type MsgMapConfig struct {
	MsgsToKeep int `mapstructure:"msgs_to_keep"`
}

// DatabaseConfig is the database.* section.
type DatabaseConfig struct {
	Path   string       `mapstructure:"path"`
	MsgMap MsgMapConfig `mapstructure:"msg_map"`
}

// LoggingConfig is the logging.* section.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	LogToFile   bool   `mapstructure:"log_to_file"`
	Filename    string `mapstructure:"filename"`
	MaxLogSize  int    `mapstructure:"max_log_size"`
	BackupCount int    `mapstructure:"backup_count"`
}

// HealthConfig is the bridge's own HTTP health-check server. Spec.md
// doesn't exclude ambient health endpoints, only redefines what backs
// their status, so this section is kept from the teacher as-is.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// minMessageDelay is the firmware-imposed floor on meshtastic.message_delay
// (spec §4.3: the queue must never send two items less than 2.0s apart).
// defaultMessageDelay is the value applied when the key is absent, matching
// queue.DefaultInterMessageDelay's 2.2s pacing default. The two are
// deliberately distinct: the minimum is a hard clamp, the default is a
// comfortable margin above it.
const (
	minMessageDelay     = 2.0
	defaultMessageDelay = 2.2
)

// Load reads configPath (or mmrelay's default search locations), applies
// environment overrides, and validates the result. Grounded on
// dyuri-mqtt2irc/internal/config/config.go's viper idiom.
func Load(configPath string, logger zerolog.Logger) (*Config, error) {
	v := viper.New()

	v.SetDefault("matrix.e2ee.enabled", false)
	v.SetDefault("matrix.prefix_enabled", true)
	v.SetDefault("matrix.prefix_format", "{display5}[M]: ")

	v.SetDefault("meshtastic.connection_type", "serial")
	v.SetDefault("meshtastic.broadcast_enabled", true)
	v.SetDefault("meshtastic.detection_sensor", false)
	v.SetDefault("meshtastic.prefix_enabled", true)
	v.SetDefault("meshtastic.prefix_format", "[{long}/{mesh}]: ")
	v.SetDefault("meshtastic.message_interactions.reactions", false)
	v.SetDefault("meshtastic.message_interactions.replies", false)
	v.SetDefault("meshtastic.message_delay", defaultMessageDelay)
	v.SetDefault("meshtastic.health_check.enabled", true)
	v.SetDefault("meshtastic.health_check.heartbeat_interval", 60)

	v.SetDefault("database.msg_map.msgs_to_keep", 500)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.log_to_file", false)
	v.SetDefault("logging.max_log_size", 10*1024*1024)
	v.SetDefault("logging.backup_count", 5)

	v.SetDefault("health.enabled", false)
	v.SetDefault("health.port", 8080)

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.command_prefix", "!")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mmrelay")
		v.AddConfigPath("/etc/mmrelay")
	}

	v.SetEnvPrefix("MMRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	// Sets the 500 default for database.msg_map.msgs_to_keep when the legacy
	// db.msg_map.msgs_to_keep key is unset. The unconditional default above
	// already applies in every case, so this block does not change the result.
	if !v.IsSet("db.msg_map.msgs_to_keep") {
		v.SetDefault("database.msg_map.msgs_to_keep", 500)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	applyLegacyKeys(&cfg, logger)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

// applyLegacyKeys maps deprecated keys onto their replacements, logging a
// deprecation warning once per key (spec §6, grounded on
// original_source/src/mmrelay/matrix_utils.py's own legacy-key handling).
func applyLegacyKeys(cfg *Config, logger zerolog.Logger) {
	if cfg.Meshtastic.RelayReactions != nil {
		logger.Warn().Msg("meshtastic.relay_reactions is deprecated, use meshtastic.message_interactions.reactions/replies")
		if *cfg.Meshtastic.RelayReactions {
			cfg.Meshtastic.MessageInteractions.Reactions = true
			cfg.Meshtastic.MessageInteractions.Replies = false
		}
	}

	if cfg.Meshtastic.ConnectionType == "network" {
		logger.Warn().Msg("meshtastic.connection_type 'network' is deprecated, use 'tcp'")
		cfg.Meshtastic.ConnectionType = "tcp"
	}

	if cfg.DB.MsgMap.MsgsToKeep != 0 && cfg.Database.MsgMap.MsgsToKeep == 0 {
		logger.Warn().Msg("db.msg_map.msgs_to_keep is deprecated, use database.msg_map.msgs_to_keep")
		cfg.Database.MsgMap.MsgsToKeep = cfg.DB.MsgMap.MsgsToKeep
	}

	if cfg.Meshtastic.MessageDelay != 0 && cfg.Meshtastic.MessageDelay < minMessageDelay {
		logger.Warn().Float64("configured", cfg.Meshtastic.MessageDelay).Float64("minimum", minMessageDelay).
			Msg("meshtastic.message_delay below firmware minimum, clamping")
		cfg.Meshtastic.MessageDelay = minMessageDelay
	} else if cfg.Meshtastic.MessageDelay == 0 {
		cfg.Meshtastic.MessageDelay = defaultMessageDelay
	}
}
