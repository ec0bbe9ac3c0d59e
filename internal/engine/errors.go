package engine

import (
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/containerd/errdefs"
)

// ErrCommandFailed matches every failed engine subprocess.
var ErrCommandFailed = errors.New("container engine command failed")

// ErrPrivilegedPort is the class of run failures caused by a rootless engine
// refusing to publish a port below the unprivileged port floor.
var ErrPrivilegedPort = errors.New("privileged port bind refused")

// ErrPortInUse is the class of run failures caused by another process
// already listening on a published port.
var ErrPortInUse = errors.New("published port already in use")

// CommandError wraps a non-zero exit of the engine CLI. It matches
// ErrCommandFailed and, when the output was recognised, one errdefs class
// (errdefs.ErrNotFound, errdefs.ErrConflict), ErrPrivilegedPort or
// ErrPortInUse.
type CommandError struct {
	Args   []string
	Output string
	Kind   error
	Err    error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Output)
	cmd := strings.Join(e.Args, " ")
	if msg == "" {
		return fmt.Sprintf("%s: %v", cmd, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", cmd, e.Err, msg)
}

func (e *CommandError) Unwrap() []error {
	errs := []error{ErrCommandFailed}
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Hint returns a one-line remediation for recognised failures.
func (e *CommandError) Hint() string {
	switch {
	case errors.Is(e.Kind, ErrPrivilegedPort):
		return "lower net.ipv4.ip_unprivileged_port_start (sysctl -w net.ipv4.ip_unprivileged_port_start=80) or grant the engine binary cap_net_bind_service"
	case errors.Is(e.Kind, ErrPortInUse):
		if port := busyPort(e.Output); port != "" {
			return "another process owns port " + port + "; find it with `ss -Htlnp 'sport = :" + port + "'` and stop it or choose another port"
		}
		return "another process owns a published port; find it with `ss -Htlnp` and stop it or choose another port"
	case errdefs.IsConflict(e.Kind):
		return "another container already uses this name; remove it with `podman rm -f <name>`"
	default:
		return ""
	}
}

var (
	notFoundMarkers = []string{
		"no such container",
		"no such object",
		"no container with name or id",
		"no such network",
		"network not found",
		"unable to find network",
	}
	conflictMarkers = []string{
		"is already in use by",
		"name is in use",
		"already exists",
	}
	privilegedPortMarkers = []string{
		"cannot expose privileged port",
	}

	busyPortPattern = regexp.MustCompile(`:(\d+): bind: address already in use`)
)

// classify maps engine stderr onto an error class.
func classify(output string) error {
	lower := strings.ToLower(output)
	if strings.Contains(lower, "address already in use") {
		return ErrPortInUse
	}
	for _, m := range privilegedPortMarkers {
		if strings.Contains(lower, m) {
			return ErrPrivilegedPort
		}
	}
	if strings.Contains(lower, "bind") && strings.Contains(lower, "permission denied") {
		return ErrPrivilegedPort
	}
	for _, m := range notFoundMarkers {
		if strings.Contains(lower, m) {
			return errdefs.ErrNotFound
		}
	}
	for _, m := range conflictMarkers {
		if strings.Contains(lower, m) {
			return errdefs.ErrConflict
		}
	}
	return nil
}

// IsPrivilegedPort reports whether err is a privileged-port bind refusal.
func IsPrivilegedPort(err error) bool {
	return errors.Is(err, ErrPrivilegedPort)
}

// IsPortInUse reports whether err is a bind failure on a port another
// process holds.
func IsPortInUse(err error) bool {
	return errors.Is(err, ErrPortInUse)
}

func busyPort(output string) string {
	if m := busyPortPattern.FindStringSubmatch(output); m != nil {
		return m[1]
	}
	return ""
}

func exitStatus(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
