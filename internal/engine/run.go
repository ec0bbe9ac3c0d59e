package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"
)

// HostNetwork is the network mode sharing the host's network namespace.
const HostNetwork = "host"

// PortMapping publishes ContainerPort on HostPort (TCP).
type PortMapping struct {
	HostPort      int
	ContainerPort int
}

func (m PortMapping) String() string {
	return strconv.Itoa(m.HostPort) + ":" + strconv.Itoa(m.ContainerPort)
}

// Limits are resource caps; zero values mean unlimited.
type Limits struct {
	CPUs   string
	Memory string
	PIDs   int
}

func (l Limits) IsZero() bool {
	return l.CPUs == "" && l.Memory == "" && l.PIDs == 0
}

// RunSpec describes one `podman run`.
type RunSpec struct {
	Name    string
	Image   string
	Network string
	Publish []PortMapping
	// Labels are "key=value" pairs, emitted in order.
	Labels  []string
	EnvFile string
	Volumes []string
	DNS     []string
	Limits  Limits
	Restart string
	// Pull is the pull policy (missing, never, always, newer).
	Pull    string
	Command []string
}

// Args renders the podman argument vector, validating port mappings.
func (s RunSpec) Args() ([]string, error) {
	if strings.TrimSpace(s.Name) == "" {
		return nil, fmt.Errorf("container name is required")
	}
	if strings.TrimSpace(s.Image) == "" {
		return nil, fmt.Errorf("image is required for container %q", s.Name)
	}

	args := []string{"run", "--detach", "--name", s.Name}
	if s.Restart != "" {
		args = append(args, "--restart", s.Restart)
	}
	if s.Pull != "" {
		args = append(args, "--pull", s.Pull)
	}
	if s.Network != "" {
		args = append(args, "--network", s.Network)
	}
	for _, d := range s.DNS {
		args = append(args, "--dns", d)
	}
	for _, p := range s.Publish {
		if s.Network == HostNetwork {
			break
		}
		spec := p.String()
		if _, err := nat.ParsePortSpec(spec); err != nil {
			return nil, fmt.Errorf("invalid port mapping %q: %w", spec, err)
		}
		args = append(args, "--publish", spec)
	}
	if s.EnvFile != "" {
		args = append(args, "--env-file", s.EnvFile)
	}
	for _, l := range s.Labels {
		args = append(args, "--label", l)
	}
	for _, v := range s.Volumes {
		args = append(args, "--volume", v)
	}
	args = append(args, s.Limits.Args()...)
	args = append(args, s.Image)
	return append(args, s.Command...), nil
}

// Args renders the limits as podman flags.
func (l Limits) Args() []string {
	var args []string
	if l.CPUs != "" {
		args = append(args, "--cpus", l.CPUs)
	}
	if l.Memory != "" {
		args = append(args, "--memory", l.Memory)
	}
	if l.PIDs > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(l.PIDs))
	}
	return args
}
