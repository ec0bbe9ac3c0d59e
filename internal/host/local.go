package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/sys/atomicwriter"
	"golang.org/x/sys/unix"
)

var _ Host = (*Local)(nil)

// Local implements Host for the machine podhost runs on.
type Local struct{}

// NewLocal returns a Host for the current machine.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), &ExitError{Name: name, Args: args, Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

func (l *Local) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (l *Local) WriteFile(_ context.Context, path string, data []byte, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := atomicwriter.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (l *Local) Stat(_ context.Context, path string) (FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileInfo{}, nil
		}
		return FileInfo{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return FileInfo{Exists: true, Mode: fi.Mode().Perm()}, nil
}

func (l *Local) ListeningPorts(ctx context.Context) (map[int]bool, error) {
	return localListeningPorts(ctx, l)
}

func (l *Local) Privilege(ctx context.Context) (Privilege, error) {
	uid := unix.Geteuid()
	p := Privilege{UID: uid, Root: uid == 0, UnprivilegedPortStart: -1}

	if data, err := os.ReadFile(unprivilegedPortStartPath); err == nil {
		if n, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil {
			p.UnprivilegedPortStart = n
		}
	}
	if !p.Root {
		if _, err := exec.LookPath("sudo"); err == nil {
			if _, err := l.Run(ctx, "sudo", "-n", "true"); err == nil {
				p.Sudo = true
			}
		}
	}
	return p, nil
}

func (l *Local) HomeDir(context.Context) (string, error) {
	return os.UserHomeDir()
}
