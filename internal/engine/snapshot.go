package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Snapshotter is the collaborator surface for the dashboard
// configuration document. The engine never inspects the document
// beyond these three calls.
type Snapshotter interface {
	// Collect produces the current local snapshot.
	Collect() (json.RawMessage, error)

	// Apply replaces the local snapshot with a server-provided one.
	Apply(snapshot json.RawMessage) error

	// Valid reports whether a document is a usable snapshot.
	Valid(snapshot json.RawMessage) bool
}

// fingerprint hashes a snapshot's canonical serialization. Documents
// that differ only in key order or whitespace hash identically, which
// keeps no-op edits from triggering pushes.
func fingerprint(raw json.RawMessage) (string, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("canonicalize snapshot: %w", err)
	}
	// encoding/json writes map keys sorted, so this is canonical
	canon, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("canonicalize snapshot: %w", err)
	}
	sum := blake3.Sum256(canon)
	return fmt.Sprintf("%x", sum), nil
}

// canonicalize returns the canonical serialization itself, used as the
// wire form so the server stores what was hashed.
func canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("canonicalize snapshot: %w", err)
	}
	canon, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize snapshot: %w", err)
	}
	return canon, nil
}

// FileSnapshotter is a Snapshotter backed by a JSON document on disk.
// It exists so the CLI is usable end to end; a dashboard frontend
// would provide its own implementation.
type FileSnapshotter struct {
	Path string
}

// NewFileSnapshotter stores the snapshot at dataDir/dashboard.json.
func NewFileSnapshotter(dataDir string) *FileSnapshotter {
	return &FileSnapshotter{Path: filepath.Join(dataDir, "dashboard.json")}
}

func (f *FileSnapshotter) Collect() (json.RawMessage, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			// A fresh device starts from the empty dashboard
			return json.RawMessage(`{"version":1}`), nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return json.RawMessage(data), nil
}

func (f *FileSnapshotter) Apply(snapshot json.RawMessage) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	var doc any
	if err := json.Unmarshal(snapshot, &doc); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.WriteFile(f.Path, pretty, 0644)
}

func (f *FileSnapshotter) Valid(snapshot json.RawMessage) bool {
	if len(snapshot) == 0 {
		return false
	}
	var doc map[string]any
	if err := json.Unmarshal(snapshot, &doc); err != nil {
		return false
	}
	return doc != nil
}
