//go:build !linux && !darwin

package receiver

import "net"

// peerCredentials is unavailable here; access is governed by the endpoint's
// permissions alone.
func peerCredentials(net.Conn) (UID, bool) {
	return 0, false
}
