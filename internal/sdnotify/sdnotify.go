// Package sdnotify reports daemon lifecycle state to systemd for
// Type=notify units. On hosts without a notify socket every call is a
// no-op, so the daemon behaves identically outside systemd.
package sdnotify

import (
	"net"
	"os"
)

// Well-known state messages.
const (
	Ready    = "READY=1"
	Stopping = "STOPPING=1"
)

// Notify sends a state message to the socket named by NOTIFY_SOCKET.
// It returns false when no socket is configured for this process.
func Notify(state string) (bool, error) {
	socket := os.Getenv("NOTIFY_SOCKET")
	if socket == "" {
		return false, nil
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{
		Name: socket,
		Net:  "unixgram",
	})
	if err != nil {
		return false, err
	}
	defer func() {
		_ = conn.Close()
	}()

	if _, err := conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}
