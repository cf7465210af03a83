package config

import "fmt"

var validConnectionTypes = map[string]bool{"serial": true, "tcp": true, "ble": true}

// Validate checks whether the configuration is complete enough to start
// (spec §7's "Config invalid" row: log error, refuse to start).
func Validate(cfg *Config) error {
	if cfg.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	// CredentialsPath is resolved by main before Load runs; when absent,
	// legacy inline auth must be present instead (spec §6).
	if cfg.CredentialsPath == "" {
		if cfg.Matrix.AccessToken == "" {
			return fmt.Errorf("matrix.access_token is required when no credentials file is present")
		}
		if cfg.Matrix.BotUserID == "" {
			return fmt.Errorf("matrix.bot_user_id is required when no credentials file is present")
		}
	}

	if len(cfg.MatrixRooms) == 0 {
		return fmt.Errorf("matrix_rooms must have at least one mapping")
	}
	seen := make(map[int]bool, len(cfg.MatrixRooms))
	for i, room := range cfg.MatrixRooms {
		if room.ID == "" {
			return fmt.Errorf("matrix_rooms[%d].id is required", i)
		}
		if seen[room.MeshtasticChannel] {
			return fmt.Errorf("matrix_rooms[%d].meshtastic_channel %d is mapped more than once", i, room.MeshtasticChannel)
		}
		seen[room.MeshtasticChannel] = true
	}

	connType := cfg.Meshtastic.ConnectionType
	if !validConnectionTypes[connType] {
		return fmt.Errorf("meshtastic.connection_type must be one of: serial, tcp, ble")
	}
	switch connType {
	case "serial":
		if cfg.Meshtastic.SerialPort == "" {
			return fmt.Errorf("meshtastic.serial_port is required for connection_type serial")
		}
	case "tcp":
		if cfg.Meshtastic.Host == "" {
			return fmt.Errorf("meshtastic.host is required for connection_type tcp")
		}
	case "ble":
		if cfg.Meshtastic.BLEAddress == "" {
			return fmt.Errorf("meshtastic.ble_address is required for connection_type ble")
		}
	}
	if cfg.Meshtastic.MeshnetName == "" {
		return fmt.Errorf("meshtastic.meshnet_name is required")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error, fatal, panic")
	}
	if cfg.Logging.LogToFile && cfg.Logging.Filename == "" {
		return fmt.Errorf("logging.filename is required when logging.log_to_file is true")
	}

	if cfg.Health.Enabled && (cfg.Health.Port <= 0 || cfg.Health.Port > 65535) {
		return fmt.Errorf("health.port must be between 1 and 65535")
	}

	return nil
}
