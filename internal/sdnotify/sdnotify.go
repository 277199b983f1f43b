// Package sdnotify implements the sd_notify protocol without cgo by
// writing datagrams to NOTIFY_SOCKET. All calls are no-ops when the
// daemon is not running under systemd.
package sdnotify

import (
	"fmt"
	"net"
	"os"
	"time"
)

// Ready signals that startup is complete.
func Ready() error {
	return send("READY=1")
}

// Watchdog pets the watchdog. Call once per main-loop iteration.
func Watchdog() error {
	return send("WATCHDOG=1")
}

// Stopping signals that shutdown has begun.
func Stopping() error {
	return send("STOPPING=1")
}

// Status updates the text shown by systemctl status.
func Status(msg string) error {
	return send("STATUS=" + msg)
}

// ExtendTimeout asks systemd for more time before the watchdog fires.
// Scan cycles can legitimately outlast WatchdogSec.
func ExtendTimeout(d time.Duration) error {
	return send(fmt.Sprintf("EXTEND_TIMEOUT_USEC=%d", d.Microseconds()))
}

func send(state string) error {
	path := os.Getenv("NOTIFY_SOCKET")
	if path == "" {
		return nil
	}

	conn, err := net.Dial("unixgram", path)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write([]byte(state))
	return err
}
