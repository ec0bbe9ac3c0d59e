package fake

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"podhost/internal/adapter/fake/fault"
	"podhost/internal/host"
)

var _ host.Host = (*Host)(nil)

type file struct {
	data []byte
	mode fs.FileMode
}

// CommandResult is the scripted outcome of one command. A non-zero Exit
// produces a *host.ExitError carrying Stderr.
type CommandResult struct {
	Stdout string
	Stderr string
	Exit   int
}

// Host is an in-memory host.Host.
type Host struct {
	CallRecorder
	Faults fault.Injector

	mu        sync.Mutex
	files     map[string]file
	listening map[int]bool
	commands  map[string]CommandResult
	priv      host.Privilege
	home      string
}

// NewHost returns a rootless host without sudo, home /home/deploy and an
// unprivileged port floor of 1024.
func NewHost() *Host {
	return &Host{
		files:     make(map[string]file),
		listening: make(map[int]bool),
		commands:  make(map[string]CommandResult),
		priv:      host.Privilege{UID: 1000, UnprivilegedPortStart: 1024},
		home:      "/home/deploy",
	}
}

// SetFile stores a file with the given mode.
func (h *Host) SetFile(path string, data []byte, mode fs.FileMode) {
	h.mu.Lock()
	h.files[path] = file{data: slices.Clone(data), mode: mode}
	h.mu.Unlock()
}

// File returns the contents of path.
func (h *Host) File(path string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[path]
	return slices.Clone(f.data), ok
}

// FileMode returns the mode of path.
func (h *Host) FileMode(path string) fs.FileMode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.files[path].mode
}

// Listen marks ports as bound.
func (h *Host) Listen(ports ...int) {
	h.mu.Lock()
	for _, p := range ports {
		h.listening[p] = true
	}
	h.mu.Unlock()
}

// Unlisten marks ports as free.
func (h *Host) Unlisten(ports ...int) {
	h.mu.Lock()
	for _, p := range ports {
		delete(h.listening, p)
	}
	h.mu.Unlock()
}

func (h *Host) SetPrivilege(p host.Privilege) {
	h.mu.Lock()
	h.priv = p
	h.mu.Unlock()
}

// SetCommand scripts the result of the command line "name arg...".
func (h *Host) SetCommand(cmdline string, r CommandResult) {
	h.mu.Lock()
	h.commands[cmdline] = r
	h.mu.Unlock()
}

// Commands returns the command lines Run received, in order.
func (h *Host) Commands() []string {
	var out []string
	for _, c := range h.Calls("Run") {
		out = append(out, c.Args[0].(string))
	}
	return out
}

// Run returns the scripted result for the command line; unscripted commands
// succeed with empty output.
func (h *Host) Run(_ context.Context, name string, args ...string) (string, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")
	h.record("Run", cmdline)
	if err := h.Faults.Eval("Run", cmdline); err != nil {
		return "", err
	}
	h.mu.Lock()
	r, ok := h.commands[cmdline]
	h.mu.Unlock()
	if !ok || r.Exit == 0 {
		return r.Stdout, nil
	}
	return r.Stdout, &host.ExitError{
		Name:   name,
		Args:   args,
		Stderr: r.Stderr,
		Err:    exec.Command("sh", "-c", fmt.Sprintf("exit %d", r.Exit)).Run(),
	}
}

func (h *Host) ReadFile(_ context.Context, path string) ([]byte, error) {
	h.record("ReadFile", path)
	if err := h.Faults.Eval("ReadFile", path); err != nil {
		return nil, err
	}
	data, ok := h.File(path)
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, fs.ErrNotExist)
	}
	return data, nil
}

func (h *Host) WriteFile(_ context.Context, path string, data []byte, perm fs.FileMode) error {
	h.record("WriteFile", path)
	if err := h.Faults.Eval("WriteFile", path); err != nil {
		return err
	}
	h.SetFile(path, data, perm)
	return nil
}

func (h *Host) Stat(_ context.Context, path string) (host.FileInfo, error) {
	h.record("Stat", path)
	if err := h.Faults.Eval("Stat", path); err != nil {
		return host.FileInfo{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.files[path]
	if !ok {
		return host.FileInfo{}, nil
	}
	return host.FileInfo{Exists: true, Mode: f.mode}, nil
}

func (h *Host) ListeningPorts(context.Context) (map[int]bool, error) {
	h.record("ListeningPorts")
	if err := h.Faults.Eval("ListeningPorts"); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return maps.Clone(h.listening), nil
}

func (h *Host) Privilege(context.Context) (host.Privilege, error) {
	h.record("Privilege")
	if err := h.Faults.Eval("Privilege"); err != nil {
		return host.Privilege{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.priv, nil
}

func (h *Host) HomeDir(context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.home == "" {
		return "", errors.New("home directory unknown")
	}
	return h.home, nil
}
