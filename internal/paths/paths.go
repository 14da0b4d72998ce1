// Package paths centralizes file and directory names used across the project.
// All data directory file names and the well-known system locations the daemon
// observes are defined here as the single source of truth.
package paths

import (
	"path/filepath"
	"runtime"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	PIDFile    = "inputbridged.pid"
	ConfigFile = "config.toml"
	LogFile    = "inputbridged.log"
	StatusFile = "status.json"
)

// Daemon identity.
const (
	BinaryName = "inputbridged"
	SocketName = "receiver.sock"
	PipePrefix = `\\.\pipe\inputbridge-receiver`
)

// Well-known system locations. The installer writes the version marker next
// to the binary's shared data; the other two are read-only inputs owned by
// the operating system.
const (
	UnixDataDir      = "/var/lib/inputbridge"
	UnixVersionFile  = "/usr/local/share/inputbridge/version"
	UnixSocketDir    = "/run/inputbridge"
	UnixUtmpFile     = "/var/run/utmp"
	UnixInputDevices = "/dev/input"
)

// ///////////////////////////////////////////////
// Platform Defaults
// ///////////////////////////////////////////////

// DefaultDataDir returns the platform default data directory.
func DefaultDataDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(programData(), "inputbridge")
	}
	return UnixDataDir
}

// DefaultVersionFile returns the well-known version marker location.
func DefaultVersionFile() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(programData(), "inputbridge", "version")
	}
	return UnixVersionFile
}

// DefaultSocketDir returns the directory receivers create their sockets in.
// On Windows receivers use named pipes and the directory is unused.
func DefaultSocketDir() string {
	if runtime.GOOS == "windows" {
		return ""
	}
	return UnixSocketDir
}

// programData is %ProgramData% with the conventional fallback.
func programData() string {
	if v := getenv("ProgramData"); v != "" {
		return v
	}
	return `C:\ProgramData`
}

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir provides path construction methods rooted at a data directory.
type DataDir struct {
	Root string
}

// PID returns the full path to the PID file.
func (d DataDir) PID() string { return filepath.Join(d.Root, PIDFile) }

// Config returns the full path to the config file.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the full path to the log file.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// Status returns the full path to the status document.
func (d DataDir) Status() string { return filepath.Join(d.Root, StatusFile) }
