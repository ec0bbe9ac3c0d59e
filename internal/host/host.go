// Package host provides the primitives podhost needs on the target machine:
// running a command, reading and writing files, listing listening TCP ports
// and reporting the privileges of the deploying user.
//
// Two implementations exist. Local operates on the machine the binary runs
// on; SSH drives a remote machine through one `ssh ... sh -s` invocation per
// call.
package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds every command that has no deadline of its own.
const DefaultCommandTimeout = 2 * time.Minute

const unprivilegedPortStartPath = "/proc/sys/net/ipv4/ip_unprivileged_port_start"

// Host abstracts the target machine.
// Production: *Local or *SSH
// Testing: fake.Host
type Host interface {
	// Run executes name with args and returns its standard output. A non-zero
	// exit yields an *ExitError carrying standard error.
	Run(ctx context.Context, name string, args ...string) (string, error)
	// ReadFile returns an error matching fs.ErrNotExist when path is missing.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// WriteFile replaces path atomically, creating parent directories.
	WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error
	Stat(ctx context.Context, path string) (FileInfo, error)
	ListeningPorts(ctx context.Context) (map[int]bool, error)
	Privilege(ctx context.Context) (Privilege, error)
	HomeDir(ctx context.Context) (string, error)
}

// FileInfo is the subset of file metadata podhost inspects.
type FileInfo struct {
	Exists bool
	Mode   fs.FileMode
}

// Privilege describes what the deploying user may do on the host. It is
// threaded explicitly into the code paths that escalate.
type Privilege struct {
	UID  int
	Root bool
	// Sudo reports passwordless sudo.
	Sudo bool
	// UnprivilegedPortStart mirrors net.ipv4.ip_unprivileged_port_start;
	// -1 when unknown.
	UnprivilegedPortStart int
}

// CanBind reports whether the user can bind port without escalation.
func (p Privilege) CanBind(port int) bool {
	if p.Root {
		return true
	}
	if p.UnprivilegedPortStart < 0 {
		return port >= 1024
	}
	return port >= p.UnprivilegedPortStart
}

// CanEscalate reports whether a failed command may be retried through sudo.
func (p Privilege) CanEscalate() bool {
	return !p.Root && p.Sudo
}

// ExitError is returned by Run when the command ran and failed.
type ExitError struct {
	Name   string
	Args   []string
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s failed: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s failed: %v: %s", e.Name, e.Err, msg)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExpandHome resolves a leading "~/" against the host user's home directory.
func ExpandHome(ctx context.Context, h Host, path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := h.HomeDir(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return home + strings.TrimPrefix(path, "~"), nil
}

// IsNotExist reports whether err means a missing file on either host kind.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultCommandTimeout)
}

// parseSSListeners extracts local ports from `ss -Htln` output, e.g.
//
//	LISTEN 0 4096 0.0.0.0:80 0.0.0.0:*
//	LISTEN 0 4096    [::]:443    [::]:*
func parseSSListeners(out string) map[int]bool {
	ports := make(map[int]bool)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		// The local address is the first field ending in :<port>; the peer
		// column ends in :*.
		for _, field := range strings.Fields(sc.Text()) {
			idx := strings.LastIndex(field, ":")
			if idx < 0 {
				continue
			}
			port, err := strconv.Atoi(field[idx+1:])
			if err != nil {
				continue
			}
			if port >= 1 && port <= 65535 {
				ports[port] = true
			}
			break
		}
	}
	return ports
}

// parsePrivilege reads the key=value report printed by privilegeScript.
func parsePrivilege(out string) (Privilege, error) {
	p := Privilege{UID: -1, UnprivilegedPortStart: -1}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "uid":
			uid, err := strconv.Atoi(value)
			if err != nil {
				return Privilege{}, fmt.Errorf("parse uid %q: %w", value, err)
			}
			p.UID = uid
		case "sudo":
			p.Sudo = value == "1"
		case "port_start":
			if n, err := strconv.Atoi(value); err == nil {
				p.UnprivilegedPortStart = n
			}
		}
	}
	if p.UID < 0 {
		return Privilege{}, fmt.Errorf("privilege report missing uid")
	}
	p.Root = p.UID == 0
	return p, nil
}
