//go:build !windows

package receiver

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// listen creates <SocketDir>/<SocketName>, readable and writable only by uid.
// A uid of 0 keeps the socket root-only.
func listen(cfg Config, uid UID) (net.Listener, string, error) {
	if cfg.SocketDir == "" {
		return nil, "", errors.New("socket directory not configured")
	}
	if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create socket dir: %w", err)
	}

	path := filepath.Join(cfg.SocketDir, cfg.SocketName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, "", fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, "", fmt.Errorf("chmod socket: %w", err)
	}
	if uid != 0 && int(uid) != os.Geteuid() {
		if err := unix.Chown(path, int(uid), -1); err != nil {
			ln.Close()
			return nil, "", fmt.Errorf("chown socket to uid %d: %w", uid, err)
		}
	}
	return ln, path, nil
}

// cleanup removes a socket left behind by the listener.
func cleanup(addr string) {
	if addr != "" {
		os.Remove(addr)
	}
}
