package matrix

import (
	"encoding/json"
	"fmt"
	"os"
)

// Credentials is the JSON credentials file written by a login tool (spec
// §6: "{homeserver, user_id, access_token, device_id}"). Preferred over
// legacy inline config auth when present.
//
// There is no JSON-schema/codec library anywhere in this project's example
// pack for a simple flat struct like this, so this uses encoding/json
// directly (see DESIGN.md's stdlib-justification entry).
type Credentials struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// LoadCredentials reads and parses a credentials file.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("matrix: read credentials file: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("matrix: parse credentials file: %w", err)
	}
	return creds, nil
}

// Save writes credentials to path as indented JSON, for the login-tool
// workflow (spec §6's "credentials file written by a login tool").
func (c Credentials) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("matrix: marshal credentials: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("matrix: write credentials file: %w", err)
	}
	return nil
}
