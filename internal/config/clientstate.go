package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const stateFile = "device.json"

// ClientState is the per-device local state persisted outside the
// synchronized snapshot: the stable device identity plus a few user
// preferences.
type ClientState struct {
	DeviceID    string `json:"device_id"`
	DeviceLabel string `json:"device_label,omitempty"`
	AutoSync    bool   `json:"auto_sync"`
	HistoryKeep int    `json:"history_keep,omitempty"`
}

// LoadClientState reads the device state from disk. A missing file
// yields a fresh state with a newly generated device id, which is
// persisted immediately so the identity stays stable across restarts.
func LoadClientState(dataDir string) (*ClientState, error) {
	path := filepath.Join(dataDir, stateFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			st := &ClientState{DeviceID: uuid.NewString(), AutoSync: true}
			if err := SaveClientState(dataDir, st); err != nil {
				return nil, err
			}
			return st, nil
		}
		return nil, err
	}

	var st ClientState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}

	// Older state files may predate the id field
	if st.DeviceID == "" {
		st.DeviceID = uuid.NewString()
		if err := SaveClientState(dataDir, &st); err != nil {
			return nil, err
		}
	}

	return &st, nil
}

// SaveClientState writes the device state to disk.
func SaveClientState(dataDir string, st *ClientState) error {
	path := filepath.Join(dataDir, stateFile)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
