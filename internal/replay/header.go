package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HeaderSchemaVersion tracks the layout of header.json.
const HeaderSchemaVersion = 1

// SpawnPoint is one agent the session spawned at startup.
type SpawnPoint struct {
	ID       int    `json:"id"`
	Position [2]int `json:"position"`
}

// Header describes one recorded session.
type Header struct {
	SchemaVersion int          `json:"schema_version"`
	SessionID     string       `json:"session_id"`
	SourceURL     string       `json:"source_url,omitempty"`
	Agents        []SpawnPoint `json:"agents,omitempty"`
	CarryOffset   [3]float64   `json:"carry_offset"`
	FoodHeight    float64      `json:"food_height"`
	StartedAt     time.Time    `json:"started_at"`
	EndedAt       time.Time    `json:"ended_at"`
	Events        int          `json:"events"`
	Frames        int          `json:"frames"`
	FilePointer   string       `json:"file_pointer"`
}

// Validate checks the fields catalogue tooling relies on.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if strings.TrimSpace(h.SessionID) == "" {
		return fmt.Errorf("session_id must not be empty")
	}
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	return nil
}

// WriteHeader validates and stores header at path as indented JSON.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

// ReadHeader loads and validates a header.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, err
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}
