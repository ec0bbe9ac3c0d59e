// Package engine drives the rootless Podman CLI on the target host. Every
// command's text output is converted into typed values in this package and
// nowhere else.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"

	"podhost/internal/host"
)

// Status of a container as observed through inspect.
type Status uint8

const (
	StatusAbsent Status = iota + 1
	StatusRunning
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Container is the typed result of inspecting one container.
type Container struct {
	Name   string
	Image  string
	Status Status
	Labels map[string]string
	// Ports maps a container TCP port to the host ports publishing it.
	Ports       map[int][]int
	Networks    []string
	HostNetwork bool
}

func (c Container) Exists() bool { return c.Status == StatusRunning || c.Status == StatusStopped }

func (c Container) Running() bool { return c.Status == StatusRunning }

// HostPortFor returns the first host port publishing containerPort.
func (c Container) HostPortFor(containerPort int) (int, bool) {
	ports := c.Ports[containerPort]
	if len(ports) == 0 {
		return 0, false
	}
	return ports[0], true
}

// Runner is the host primitive the engine needs.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Podman implements container operations with the podman CLI.
type Podman struct {
	runner Runner
	binary string
	sudo   bool
}

func NewPodman(r Runner) *Podman {
	return &Podman{runner: r, binary: "podman"}
}

// WithSudo returns a client that runs every command through `sudo -n`.
func (p *Podman) WithSudo() *Podman {
	cp := *p
	cp.sudo = true
	return &cp
}

func (p *Podman) exec(ctx context.Context, args ...string) (string, error) {
	name := p.binary
	full := args
	if p.sudo {
		name = "sudo"
		full = append([]string{"-n", p.binary}, args...)
	}
	slog.Debug("engine command", "component", "engine", "args", strings.Join(full, " "))
	out, err := p.runner.Run(ctx, name, full...)
	if err != nil {
		output := out
		var exitErr *host.ExitError
		if errors.As(err, &exitErr) {
			output = exitErr.Stderr
		}
		return out, &CommandError{
			Args:   append([]string{name}, full...),
			Output: output,
			Kind:   classify(output),
			Err:    err,
		}
	}
	return out, nil
}

// Inspect returns the container named name; a missing container yields
// Status StatusAbsent and no error.
func (p *Podman) Inspect(ctx context.Context, name string) (Container, error) {
	out, err := p.exec(ctx, "inspect", "--type", "container", name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Container{Name: name, Status: StatusAbsent}, nil
		}
		return Container{}, fmt.Errorf("inspect container %q: %w", name, err)
	}
	return parseInspect(name, []byte(out))
}

// Run creates and starts a container and returns its ID.
func (p *Podman) Run(ctx context.Context, spec RunSpec) (string, error) {
	args, err := spec.Args()
	if err != nil {
		return "", err
	}
	out, err := p.exec(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("run container %q: %w", spec.Name, err)
	}
	return strings.TrimSpace(out), nil
}

// Stop treats a missing or already stopped container as success.
func (p *Podman) Stop(ctx context.Context, name string) error {
	if _, err := p.exec(ctx, "stop", "--ignore", name); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %q: %w", name, err)
	}
	return nil
}

// Remove treats a missing container as success.
func (p *Podman) Remove(ctx context.Context, name string, force bool) error {
	args := []string{"rm", "--ignore"}
	if force {
		args = append(args, "--force")
	}
	if _, err := p.exec(ctx, append(args, name)...); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %q: %w", name, err)
	}
	return nil
}

func (p *Podman) Restart(ctx context.Context, name string) error {
	if _, err := p.exec(ctx, "restart", name); err != nil {
		return fmt.Errorf("restart container %q: %w", name, err)
	}
	return nil
}

// Logs returns the last lines of a container's combined output.
func (p *Podman) Logs(ctx context.Context, name string, lines int) (string, error) {
	out, err := p.exec(ctx, "logs", "--tail", strconv.Itoa(lines), name)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && out == "" {
			// podman logs writes the container's stderr to stderr.
			return parseLogs(cmdErr.Output, lines), fmt.Errorf("container logs %q: %w", name, err)
		}
		return parseLogs(out, lines), fmt.Errorf("container logs %q: %w", name, err)
	}
	return parseLogs(out, lines), nil
}

func (p *Podman) Pull(ctx context.Context, image string) error {
	if _, err := p.exec(ctx, "pull", "--quiet", image); err != nil {
		return fmt.Errorf("pull image %q: %w", image, err)
	}
	return nil
}

func (p *Podman) NetworkExists(ctx context.Context, name string) (bool, error) {
	_, err := p.exec(ctx, "network", "exists", name)
	if err == nil {
		return true, nil
	}
	if exitStatus(err) == 1 {
		return false, nil
	}
	return false, fmt.Errorf("check network %q: %w", name, err)
}

// EnsureNetwork creates the network when missing; a concurrent create is
// treated as success.
func (p *Podman) EnsureNetwork(ctx context.Context, name string) error {
	ok, err := p.NetworkExists(ctx, name)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := p.exec(ctx, "network", "create", name); err != nil {
		if errdefs.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("create network %q: %w", name, err)
	}
	slog.Info("created network", "component", "engine", "network", name)
	return nil
}
