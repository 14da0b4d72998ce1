//go:build windows

package receiver

import (
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
	"tools.zach/dev/inputbridge/internal/paths"
)

// pipeSDDL grants full access to SYSTEM and Administrators and read/write to
// interactive users.
const pipeSDDL = "D:P(A;;GA;;;SY)(A;;GA;;;BA)(A;;GRGW;;;IU)"

// listen opens a per-user named pipe. SocketDir and SocketName are unused.
func listen(_ Config, uid UID) (net.Listener, string, error) {
	name := fmt.Sprintf(`%s-%d`, paths.PipePrefix, uid)
	ln, err := winio.ListenPipe(name, &winio.PipeConfig{
		SecurityDescriptor: pipeSDDL,
		InputBufferSize:    64 << 10,
		OutputBufferSize:   64 << 10,
	})
	if err != nil {
		return nil, "", fmt.Errorf("listen %s: %w", name, err)
	}
	return ln, name, nil
}

// cleanup is a no-op: named pipes vanish with their last handle.
func cleanup(string) {}
