package main

// defaultConfigTemplate returns the YAML structure written by
// --generate-config: every key spec §6 recognizes, set to the same
// defaults internal/config.Load applies when a key is absent.
func defaultConfigTemplate() map[string]interface{} {
	return map[string]interface{}{
		"matrix": map[string]interface{}{
			"homeserver":   "https://matrix.example.org",
			"access_token": "",
			"bot_user_id":  "@mmrelay:example.org",
			"e2ee": map[string]interface{}{
				"enabled":    false,
				"store_path": "",
			},
			"prefix_enabled": true,
			"prefix_format":  "{display5}[M]: ",
		},
		"matrix_rooms": []map[string]interface{}{
			{"id": "!roomid:example.org", "meshtastic_channel": 0},
		},
		"meshtastic": map[string]interface{}{
			"connection_type":   "serial",
			"serial_port":       "/dev/ttyUSB0",
			"host":              "",
			"ble_address":       "",
			"meshnet_name":      "mymesh",
			"broadcast_enabled": true,
			"detection_sensor":  false,
			"prefix_enabled":    true,
			"prefix_format":     "[{long}/{mesh}]: ",
			"message_interactions": map[string]interface{}{
				"reactions": false,
				"replies":   false,
			},
			"message_delay": 2.2,
			"health_check": map[string]interface{}{
				"enabled":            true,
				"heartbeat_interval": 60,
			},
		},
		"database": map[string]interface{}{
			"path": "mmrelay.db",
			"msg_map": map[string]interface{}{
				"msgs_to_keep": 500,
			},
		},
		"logging": map[string]interface{}{
			"level":        "info",
			"log_to_file":  false,
			"filename":     "mmrelay.log",
			"max_log_size": 10 * 1024 * 1024,
			"backup_count": 5,
		},
		"health": map[string]interface{}{
			"enabled": false,
			"port":    8080,
		},
		"admin": map[string]interface{}{
			"enabled":        false,
			"command_prefix": "!",
			"allow_list":     []string{},
			"rooms":          []string{},
		},
	}
}
