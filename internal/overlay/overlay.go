// Package overlay implements the settings-overlay collaborator behind
// --disable-mcps: it stages a scratch HOME directory seeded from the real
// ~/.claude.json with mcpServers stripped, so the child assistant process
// starts with MCP servers disabled without mutating the user's real config.
package overlay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// homeEnvVar is the environment variable the child's HOME lookup uses.
// Windows child processes consult USERPROFILE instead.
func homeEnvVar() string {
	if runtime.GOOS == "windows" {
		return "USERPROFILE"
	}
	return "HOME"
}

// Overlay is a staged scratch directory presented to the child as its home.
// Release removes the directory; it is safe to call Release on a zero-value
// Overlay (no-op) and more than once.
type Overlay struct {
	scratchDir string
	envVar     string
	active     bool
}

// New stages a scratch HOME when disableMCPs is true. realHome is the
// operator's actual home directory, used to seed ~/.claude.json if present.
// When disableMCPs is false, New returns a zero-value Overlay (Env/Release
// are no-ops).
func New(disableMCPs bool, realHome string) (*Overlay, error) {
	if !disableMCPs {
		return &Overlay{}, nil
	}

	scratchDir, err := os.MkdirTemp("", "ccprofiler-overlay-*")
	if err != nil {
		return nil, fmt.Errorf("stage overlay scratch dir: %w", err)
	}

	if err := seedSettings(realHome, scratchDir); err != nil {
		os.RemoveAll(scratchDir)
		return nil, err
	}

	return &Overlay{scratchDir: scratchDir, envVar: homeEnvVar(), active: true}, nil
}

// Env returns the environment variable overrides the child process should
// receive. Empty when the overlay is inactive.
func (o *Overlay) Env() []string {
	if !o.active {
		return nil
	}
	return []string{fmt.Sprintf("%s=%s", o.envVar, o.scratchDir)}
}

// Release removes the scratch directory. Idempotent.
func (o *Overlay) Release() error {
	if !o.active {
		return nil
	}
	o.active = false
	return os.RemoveAll(o.scratchDir)
}

// seedSettings copies realHome's ~/.claude.json into scratchDir with the
// mcpServers key stripped. Missing source file is not an error — the child
// simply starts with no settings file, which already implies no MCP
// servers.
func seedSettings(realHome, scratchDir string) error {
	srcPath := filepath.Join(realHome, ".claude.json")
	data, err := os.ReadFile(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", srcPath, err)
	}

	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("parse %s: %w", srcPath, err)
	}
	delete(settings, "mcpServers")

	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("re-marshal settings: %w", err)
	}

	dstPath := filepath.Join(scratchDir, ".claude.json")
	if err := os.WriteFile(dstPath, out, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", dstPath, err)
	}
	return nil
}
