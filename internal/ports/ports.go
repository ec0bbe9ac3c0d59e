// Package ports decides which TCP ports a deployed container binds.
package ports

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"

	"podhost/internal/engine"
)

const (
	// DefaultPort is used for both container and host port when nothing else applies.
	DefaultPort = 8080
	// DefaultProbeLimit bounds the upward search for a free host port.
	DefaultProbeLimit = 500

	minPort = 1
	maxPort = 65535
)

var (
	ErrInvalidPort   = errors.New("invalid port")
	ErrPortExhausted = errors.New("no free host port")
)

// Source records which precedence rule produced a host port.
type Source uint8

const (
	SourceInput Source = iota + 1
	SourceExisting
	SourceFile
	SourceDefault
	SourceAuto
)

func (s Source) String() string {
	switch s {
	case SourceInput:
		return "input"
	case SourceExisting:
		return "existing"
	case SourceFile:
		return "file"
	case SourceDefault:
		return "default"
	case SourceAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// Assignment is the resolved port pair for one container.
type Assignment struct {
	ContainerPort int
	HostPort      int
	Source        Source
}

// Inspector reads existing container state.
// Production: *engine.Podman
// Testing: fake.Engine
type Inspector interface {
	Inspect(ctx context.Context, name string) (engine.Container, error)
}

// HostState is the host access the resolver needs.
// Production: host.Host
// Testing: fake.Host
type HostState interface {
	ListeningPorts(ctx context.Context) (map[int]bool, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error
}

// Resolver applies the port precedence rules.
type Resolver struct {
	engine     Inspector
	host       HostState
	probeLimit int
}

type Option func(*Resolver)

// WithProbeLimit overrides how many ports above a bound candidate are tried.
func WithProbeLimit(n int) Option {
	return func(r *Resolver) { r.probeLimit = n }
}

func NewResolver(e Inspector, h HostState, opts ...Option) *Resolver {
	r := &Resolver{engine: e, host: h, probeLimit: DefaultProbeLimit}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ServicePortLabel is the router service label carrying the backend port.
func ServicePortLabel(routerName string) string {
	return "traefik.http.services." + routerName + ".loadbalancer.server.port"
}

// Parse validates a port string.
func Parse(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not numeric", ErrInvalidPort, raw)
	}
	if n < minPort || n > maxPort {
		return 0, fmt.Errorf("%w: %d is outside [%d, %d]", ErrInvalidPort, n, minPort, maxPort)
	}
	return n, nil
}

// ContainerPortInput carries the inputs of ContainerPort.
type ContainerPortInput struct {
	Explicit      string
	ProxyEnabled  bool
	RouterName    string
	ContainerName string
	// EnvFallbacks are candidate values in precedence order, e.g. PORT from
	// the env file.
	EnvFallbacks []string
}

// ContainerPort resolves the port the application listens on inside the
// container: explicit value, the label applied by a previous routed deploy,
// environment fallbacks, then DefaultPort.
func (r *Resolver) ContainerPort(ctx context.Context, in ContainerPortInput) (int, error) {
	log := slog.With("component", "port-resolver", "container", in.ContainerName)

	if strings.TrimSpace(in.Explicit) != "" {
		return Parse(in.Explicit)
	}

	if in.ProxyEnabled && in.RouterName != "" && in.ContainerName != "" {
		c, err := r.engine.Inspect(ctx, in.ContainerName)
		if err != nil {
			return 0, fmt.Errorf("read existing container port: %w", err)
		}
		if raw, ok := c.Labels[ServicePortLabel(in.RouterName)]; ok && c.Exists() {
			port, err := Parse(raw)
			if err != nil {
				return 0, fmt.Errorf("existing service port label: %w", err)
			}
			log.Debug("reusing container port from existing router label", "port", port)
			return port, nil
		}
	}

	for _, raw := range in.EnvFallbacks {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		return Parse(raw)
	}
	return DefaultPort, nil
}

// HostPortInput carries the inputs of HostPort.
type HostPortInput struct {
	Explicit      string
	ContainerName string
	ContainerPort int
	// CacheFile persists the last selected host port; empty disables caching.
	CacheFile string
}

// HostPort resolves the published host port for an unrouted container.
func (r *Resolver) HostPort(ctx context.Context, in HostPortInput) (Assignment, error) {
	log := slog.With("component", "port-resolver", "container", in.ContainerName)

	if in.ContainerPort < minPort || in.ContainerPort > maxPort {
		return Assignment{}, fmt.Errorf("%w: container port %d", ErrInvalidPort, in.ContainerPort)
	}

	existing, err := r.engine.Inspect(ctx, in.ContainerName)
	if err != nil {
		return Assignment{}, fmt.Errorf("read existing port mapping: %w", err)
	}
	ownPort, hasOwn := 0, false
	if existing.Exists() {
		ownPort, hasOwn = existing.HostPortFor(in.ContainerPort)
	}

	candidate, source, err := r.candidate(ctx, in, ownPort, hasOwn)
	if err != nil {
		return Assignment{}, err
	}

	listening, err := r.host.ListeningPorts(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("list listening ports: %w", err)
	}
	if listening[candidate] && !(hasOwn && candidate == ownPort) {
		free, err := r.nextFree(candidate, listening)
		if err != nil {
			return Assignment{}, err
		}
		log.Info("host port in use by another process, probed upward",
			"requested", candidate, "port", free, "requested_source", source.String())
		candidate, source = free, SourceAuto
	}

	a := Assignment{ContainerPort: in.ContainerPort, HostPort: candidate, Source: source}
	if source != SourceInput && in.CacheFile != "" {
		data := []byte(strconv.Itoa(candidate) + "\n")
		if err := r.host.WriteFile(ctx, in.CacheFile, data, 0o644); err != nil {
			return Assignment{}, fmt.Errorf("persist host port: %w", err)
		}
	}
	log.Debug("resolved host port", "port", a.HostPort, "source", a.Source.String())
	return a, nil
}

func (r *Resolver) candidate(ctx context.Context, in HostPortInput, ownPort int, hasOwn bool) (int, Source, error) {
	if strings.TrimSpace(in.Explicit) != "" {
		port, err := Parse(in.Explicit)
		return port, SourceInput, err
	}
	if hasOwn {
		return ownPort, SourceExisting, nil
	}
	if in.CacheFile != "" {
		if port, ok := r.readCache(ctx, in.CacheFile); ok {
			return port, SourceFile, nil
		}
	}
	return DefaultPort, SourceDefault, nil
}

func (r *Resolver) readCache(ctx context.Context, path string) (int, bool) {
	data, err := r.host.ReadFile(ctx, path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("unable to read host port cache, ignoring", "component", "port-resolver", "path", path, "err", err)
		}
		return 0, false
	}
	port, err := Parse(string(data))
	if err != nil {
		slog.Warn("discarding invalid host port cache", "component", "port-resolver", "path", path, "err", err)
		return 0, false
	}
	return port, true
}

func (r *Resolver) nextFree(from int, listening map[int]bool) (int, error) {
	for i := 1; i <= r.probeLimit; i++ {
		port := from + i
		if port > maxPort {
			break
		}
		if !listening[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: ports %d..%d are all bound", ErrPortExhausted, from, min(from+r.probeLimit, maxPort))
}
