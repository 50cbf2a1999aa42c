// Package activation adopts listeners handed over by systemd socket
// activation, so the status endpoint can live on a socket unit.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes activated sockets starting at fd 3, after the three
// standard streams.
const listenFDsStart = 3

// Listeners returns the sockets systemd activated this process with, or
// nil when the process was not socket-activated. The LISTEN_* variables
// are cleared afterwards so child processes do not inherit them.
func Listeners() ([]net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// The activation is meant for another process.
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	listeners := make([]net.Listener, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := uintptr(listenFDsStart + i)
		file := os.NewFile(fd, fmt.Sprintf("listen-fd-%d", i))
		if file == nil {
			return nil, fmt.Errorf("failed to adopt fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener duplicates the descriptor; the file is ours to
		// close either way.
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("fd %d is not a listening socket: %w", fd, err)
		}
		listeners = append(listeners, listener)
	}

	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}
