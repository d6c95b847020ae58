// Package config resolves gvmd's runtime configuration: data directory
// layout, the hypervisor binary, and the default resource budget offered
// by gvmctl create.
package config

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/adrg/xdg"
)

const dataDirEnvVar = "GVMD_DATA_DIR"

// Config holds gvmd's runtime configuration.
type Config struct {
	// DataDir is the root of gvmd's persisted state: state.db and one
	// subdirectory per GVM (disk image, serial log, control socket, pid
	// file).
	DataDir string

	// SocketPath is the Unix socket path the HTTP API listens on.
	SocketPath string

	// DBPath is the path to the State Store's SQLite database.
	DBPath string

	// HypervisorBin is the path to the external hypervisor binary, as
	// found on PATH when the configuration was resolved. Empty means it
	// was not found.
	HypervisorBin string

	// DefaultVCPUs and DefaultMemoryMB are the default values of gvmctl
	// create's -vcpus and -memory-mb flags. The daemon does not fill in
	// fields that a create request omits.
	DefaultVCPUs    int
	DefaultMemoryMB int

	// DefaultGraceSeconds is the stop grace period applied when a caller
	// omits it, per SPEC_FULL.md section 9's open-question decision.
	DefaultGraceSeconds int
}

// DefaultConfig resolves the default configuration. The data directory is
// an OS-appropriate per-user data directory (via xdg.DataHome), overridable
// with the GVMD_DATA_DIR environment variable.
func DefaultConfig() *Config {
	dataDir := os.Getenv(dataDirEnvVar)
	if dataDir == "" {
		dataDir = filepath.Join(xdg.DataHome, "gvmd")
	}

	return &Config{
		DataDir:             dataDir,
		SocketPath:          filepath.Join(dataDir, "gvmd.sock"),
		DBPath:              filepath.Join(dataDir, "state.db"),
		HypervisorBin:       FindBinary("qemu-system-x86_64"),
		DefaultVCPUs:        1,
		DefaultMemoryMB:     512,
		DefaultGraceSeconds: 30,
	}
}

// EnsureDirs creates the directories gvmd needs before it can open its
// database or listen on its socket.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.DataDir, filepath.Dir(c.SocketPath)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// FindBinary locates name on PATH, returning "" if not found. Unlike the
// multi-location search a desktop-bundled product needs, gvmd's only
// external dependency is the system hypervisor package, so PATH is the
// sole search location.
func FindBinary(name string) string {
	p, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return p
}
