// Package config loads and validates the fleet's server list (spec.md
// §4.1, §6.1) and the realtime instructions file (§6.2).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ServerDefinition is one entry from the servers config file.
type ServerDefinition struct {
	ID             string   `json:"id"`
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	Description    string   `json:"description,omitempty"`
	Enabled        bool     `json:"enabled"`
	TrackResources bool     `json:"trackResources,omitempty"`
}

// rawFile mirrors the on-disk shape exactly, before defaults/validation.
type rawFile struct {
	Servers []rawServer `json:"servers"`
}

type rawServer struct {
	ID             string   `json:"id"`
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	Description    string   `json:"description"`
	Enabled        *bool    `json:"enabled"`
	TrackResources bool     `json:"trackResources"`
}

// ConfigError reports a fatal, structural problem with the config file,
// per spec.md §4.1/§7 (ConfigError kind).
type ConfigError struct {
	Path  string
	Index int // -1 when the error is file-level, not entry-level
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("config %s: servers[%d].%s: %s", e.Path, e.Index, e.Field, e.Msg)
	}
	return fmt.Sprintf("config %s: %s", e.Path, e.Msg)
}

// Load reads and validates the server list at path. A missing file yields
// an empty list plus a non-nil *warning* string rather than an error;
// any structural violation returns a *ConfigError.
func Load(path string) ([]ServerDefinition, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Sprintf("config file %s not found; starting with an empty fleet", path), nil
		}
		return nil, "", fmt.Errorf("reading config %s: %w", path, err)
	}

	var raw rawFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, "", &ConfigError{Path: path, Index: -1, Msg: "malformed JSON: " + err.Error()}
	}

	seen := make(map[string]bool, len(raw.Servers))
	defs := make([]ServerDefinition, 0, len(raw.Servers))
	for i, rs := range raw.Servers {
		if rs.ID == "" {
			return nil, "", &ConfigError{Path: path, Index: i, Field: "id", Msg: "must be a non-empty string"}
		}
		if seen[rs.ID] {
			return nil, "", &ConfigError{Path: path, Index: i, Field: "id", Msg: fmt.Sprintf("duplicate server id %q", rs.ID)}
		}
		seen[rs.ID] = true

		if rs.Command == "" {
			return nil, "", &ConfigError{Path: path, Index: i, Field: "command", Msg: "must be a non-empty string"}
		}

		enabled := true
		if rs.Enabled != nil {
			enabled = *rs.Enabled
		}

		defs = append(defs, ServerDefinition{
			ID:             rs.ID,
			Command:        rs.Command,
			Args:           append([]string(nil), rs.Args...),
			Description:    rs.Description,
			Enabled:        enabled,
			TrackResources: rs.TrackResources,
		})
	}

	return defs, "", nil
}

// LoadInstructions reads and trims the realtime instructions file at path.
// An empty file is an error (spec.md §6.2).
func LoadInstructions(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading instructions %s: %w", path, err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return "", fmt.Errorf("instructions file %s is empty", path)
	}
	return trimmed, nil
}
