package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrAddrInUse is returned by Listen when a live peer already owns the name.
var ErrAddrInUse = errors.New("transport: endpoint already in use")

// SocketPath resolves a rendezvous name to a socket path. Names that already
// look like paths are used as-is; bare names live in dir, or in the system
// temp directory when dir is empty.
func SocketPath(dir, name string) string {
	if strings.ContainsRune(name, os.PathSeparator) {
		return name
	}
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, name+".sock")
}

// Listen creates the listening socket at path. A leftover socket file from a
// dead server is removed first; a socket that still answers is left alone.
func Listen(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		probe, err := net.DialTimeout("unix", path, 100*time.Millisecond)
		if err == nil {
			probe.Close()
			return nil, fmt.Errorf("%w: %s", ErrAddrInUse, path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return ln, nil
}

// Dial connects to the socket at path.
func Dial(ctx context.Context, path string, writeTimeout time.Duration) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, writeTimeout), nil
}
