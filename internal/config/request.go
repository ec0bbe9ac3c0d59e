// Package config holds the deploy request podhost acts on and the saved
// host contexts the CLI connects through.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"podhost/internal/engine"
	"podhost/internal/ports"
	"podhost/internal/probe"
	"podhost/internal/proxy"
	"podhost/internal/routing"
)

// ErrInvalid marks a request that fails validation.
var ErrInvalid = errors.New("invalid request")

const (
	EnvHost   = "PODHOST_HOST"
	EnvSSHKey = "PODHOST_SSH_KEY"

	DefaultPortCacheDir = "~/.local/state/podhost/ports"
	DefaultStaticConfig = "~/.config/podhost/traefik/traefik.yml"
	DefaultACMEStorage  = "~/.local/share/podhost/acme.json"
	DefaultSocketPath   = "/run/user/%d/podman/podman.sock"
	rootSocketPath      = "/run/podman/podman.sock"
)

// Request is the full input of one deploy.
type Request struct {
	Slug          string `yaml:"slug,omitempty"`
	Environment   string `yaml:"environment,omitempty"`
	ImageRef      string `yaml:"image_ref"`
	ContainerName string `yaml:"container_name,omitempty"`
	EnvFilePath   string `yaml:"env_file_path,omitempty"`
	Ports         Ports  `yaml:"ports,omitempty"`

	Domain     string   `yaml:"domain,omitempty"`
	Aliases    []string `yaml:"aliases,omitempty"`
	IncludeWWW bool     `yaml:"include_www,omitempty"`
	// Hosts, when set, replaces the list derived from domain and aliases.
	Hosts       []string `yaml:"hosts,omitempty"`
	ACMEEnabled bool     `yaml:"acme_enabled,omitempty"`
	ACMEEmail   string   `yaml:"acme_email,omitempty"`
	NetworkName string   `yaml:"network_name,omitempty"`

	ResourceLimits Limits   `yaml:"resource_limits,omitempty"`
	Volumes        []string `yaml:"volumes,omitempty"`
	Command        []string `yaml:"command,omitempty"`

	Proxy ProxyOptions `yaml:"proxy,omitempty"`
	Probe ProbeOptions `yaml:"probe,omitempty"`

	AllowHostNetwork bool   `yaml:"allow_host_network,omitempty"`
	PortCacheDir     string `yaml:"port_cache_dir,omitempty"`
}

// Ports holds raw port inputs; they are validated by the port resolver.
type Ports struct {
	Container string `yaml:"container,omitempty"`
	Host      string `yaml:"host,omitempty"`
}

type Limits struct {
	CPUs   string `yaml:"cpus,omitempty"`
	Memory string `yaml:"memory,omitempty"`
	PIDs   int    `yaml:"pids,omitempty"`
}

type ProxyOptions struct {
	Name             string   `yaml:"name,omitempty"`
	Image            string   `yaml:"image,omitempty"`
	Version          string   `yaml:"version,omitempty"`
	HTTPPort         int      `yaml:"http_port,omitempty"`
	HTTPSPort        int      `yaml:"https_port,omitempty"`
	Staging          bool     `yaml:"staging,omitempty"`
	Resolver         string   `yaml:"resolver,omitempty"`
	ACMEStorage      string   `yaml:"acme_storage,omitempty"`
	DNSChallenge     string   `yaml:"dns_challenge,omitempty"`
	DNSServers       []string `yaml:"dns_servers,omitempty"`
	Ping             bool     `yaml:"ping,omitempty"`
	Dashboard        bool     `yaml:"dashboard,omitempty"`
	Metrics          bool     `yaml:"metrics,omitempty"`
	StaticConfigPath string   `yaml:"static_config_path,omitempty"`
	SocketPath       string   `yaml:"socket_path,omitempty"`
	Volumes          []string `yaml:"volumes,omitempty"`
}

type ProbeOptions struct {
	Skip         bool          `yaml:"skip,omitempty"`
	Path         string        `yaml:"path,omitempty"`
	Attempts     int           `yaml:"attempts,omitempty"`
	Interval     time.Duration `yaml:"interval,omitempty"`
	HTTPFallback bool          `yaml:"http_fallback,omitempty"`
	// Address is dialled instead of resolving the domain ("host:port").
	Address string `yaml:"address,omitempty"`
	// Required turns a failed probe into a failed deploy.
	Required bool `yaml:"required,omitempty"`
}

// Load reads a YAML request file. Unknown keys are rejected.
func Load(p string) (Request, error) {
	f, err := os.Open(p)
	if err != nil {
		return Request{}, fmt.Errorf("read request: %w", err)
	}
	defer f.Close()

	var req Request
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("parse request %s: %w", p, err)
	}
	return req, nil
}

// Routed reports whether the proxy terminates traffic for this request.
func (r Request) Routed() bool {
	return strings.TrimSpace(r.Domain) != "" || len(r.Hosts) > 0
}

// Name is the container name, defaulting to <slug>-<environment>.
func (r Request) Name() string {
	if n := strings.TrimSpace(r.ContainerName); n != "" {
		return n
	}
	if r.Environment == "" {
		return r.Slug
	}
	return r.Slug + "-" + r.Environment
}

// ApplyDefaults fills every unset optional field.
func (r *Request) ApplyDefaults() {
	if r.ContainerName == "" {
		r.ContainerName = r.Name()
	}
	if r.NetworkName == "" {
		r.NetworkName = proxy.DefaultNetwork
	}
	if r.PortCacheDir == "" {
		r.PortCacheDir = DefaultPortCacheDir
	}
	p := &r.Proxy
	if p.Name == "" {
		p.Name = proxy.DefaultName
	}
	if p.Resolver == "" {
		p.Resolver = routing.DefaultResolver
	}
	if p.ACMEStorage == "" {
		p.ACMEStorage = DefaultACMEStorage
	}
	if p.StaticConfigPath == "" {
		p.StaticConfigPath = DefaultStaticConfig
	}
	if r.Probe.Attempts == 0 {
		r.Probe.Attempts = probe.DefaultAttempts
	}
	if r.Probe.Interval == 0 {
		r.Probe.Interval = probe.DefaultInterval
	}
	if r.Probe.Path == "" {
		r.Probe.Path = "/"
	}
}

// Warnings lists settings that are valid but likely unintended.
func (r Request) Warnings() []string {
	var out []string
	if r.ACMEEnabled && strings.TrimSpace(r.ACMEEmail) == "" {
		out = append(out, "acme_email is empty; the ACME account gets no expiry or revocation notices")
	}
	return out
}

// Validate checks the request after defaults are applied.
func (r Request) Validate() error {
	var errs []error
	if strings.TrimSpace(r.ImageRef) == "" {
		errs = append(errs, errors.New("image_ref is required"))
	}
	if r.Name() == "" {
		errs = append(errs, errors.New("container_name or slug is required"))
	}
	if r.Ports.Container != "" {
		if _, err := ports.Parse(r.Ports.Container); err != nil {
			errs = append(errs, fmt.Errorf("ports.container: %w", err))
		}
	}
	if r.Ports.Host != "" {
		if _, err := ports.Parse(r.Ports.Host); err != nil {
			errs = append(errs, fmt.Errorf("ports.host: %w", err))
		}
		if r.Routed() {
			errs = append(errs, errors.New("ports.host cannot be combined with a domain; the proxy publishes the app"))
		}
	}
	if r.ACMEEnabled && !r.Routed() {
		errs = append(errs, errors.New("acme_enabled requires a domain"))
	}
	if r.Probe.Attempts < 0 || r.Probe.Interval < 0 {
		errs = append(errs, errors.New("probe attempts and interval must not be negative"))
	}
	for _, hp := range []int{r.Proxy.HTTPPort, r.Proxy.HTTPSPort} {
		if hp < 0 || hp > 65535 {
			errs = append(errs, fmt.Errorf("proxy port %d out of range", hp))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// EngineLimits converts the requested caps for the engine.
func (r Request) EngineLimits() engine.Limits {
	return engine.Limits{CPUs: r.ResourceLimits.CPUs, Memory: r.ResourceLimits.Memory, PIDs: r.ResourceLimits.PIDs}
}

// PortCacheFile is the per-container host port cache path.
func (r Request) PortCacheFile() string {
	return path.Join(r.PortCacheDir, r.Name()+".port")
}

// ProxyConfig builds the effective proxy configuration. uid selects the
// rootless Podman socket when SocketPath is unset.
func (r Request) ProxyConfig(uid int, root bool) proxy.Config {
	p := r.Proxy
	socket := p.SocketPath
	if socket == "" {
		socket = fmt.Sprintf(DefaultSocketPath, uid)
		if root {
			socket = rootSocketPath
		}
	}
	cfg := proxy.Config{
		Name:      p.Name,
		Image:     p.Image,
		Version:   p.Version,
		Network:   r.NetworkName,
		HTTPPort:  p.HTTPPort,
		HTTPSPort: p.HTTPSPort,
		ACME: proxy.ACME{
			Enabled:      r.ACMEEnabled,
			Email:        r.ACMEEmail,
			Staging:      p.Staging,
			Resolver:     p.Resolver,
			Storage:      p.ACMEStorage,
			DNSChallenge: p.DNSChallenge,
		},
		DNSServers:       p.DNSServers,
		Ping:             p.Ping,
		Dashboard:        p.Dashboard,
		Metrics:          p.Metrics,
		StaticConfigPath: p.StaticConfigPath,
		SocketPath:       socket,
		Volumes:          p.Volumes,
		AllowHostNetwork: r.AllowHostNetwork,
	}
	return cfg.WithDefaults()
}
