package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// pointerSchemaVersion is the active-session pointer's own schema version,
// distinct from and far simpler than SessionData's.
const pointerSchemaVersion = "1"

// PointerDoc is the contents of <state_dir>/active-session.json.
type PointerDoc struct {
	SchemaVersion    string `json:"schemaVersion"`
	OutputDir        string `json:"outputDir"`
	MarkersPath      string `json:"markersPath"`
	StartedAtIso     string `json:"startedAtIso"`
	StartedAtMsEpoch int64  `json:"startedAtMsEpoch"`
}

// defaultStateDir returns <home>/.cc-profiler.
func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".cc-profiler"), nil
}

// writePointer writes the active-session pointer file, creating stateDir if
// necessary. outputDir must already be absolute.
func writePointer(stateDir string, doc PointerDoc) (string, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	doc.SchemaVersion = pointerSchemaVersion

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode active-session pointer: %w", err)
	}

	path := filepath.Join(stateDir, "active-session.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write active-session pointer: %w", err)
	}
	return path, nil
}

// deletePointer removes the pointer file. A missing file is not an error.
func deletePointer(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadPointer loads the active-session pointer from stateDir, used by the
// `mark` subcommand to locate the markers file of the currently-running
// session. A missing or unreadable pointer is reported as an error — mark
// has nothing to append to.
func ReadPointer(stateDir string) (PointerDoc, error) {
	path := filepath.Join(stateDir, "active-session.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return PointerDoc{}, fmt.Errorf("no active session found: %w", err)
	}
	var doc PointerDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return PointerDoc{}, fmt.Errorf("parse active-session pointer: %w", err)
	}
	return doc, nil
}

// DefaultStateDir is the exported form of defaultStateDir, used by
// cmd/ccprofiler.
func DefaultStateDir() (string, error) {
	return defaultStateDir()
}
