package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"podhost/internal/engine"
	"podhost/internal/routing"
)

const (
	DefaultName    = "traefik"
	DefaultImage   = "docker.io/library/traefik"
	DefaultVersion = "v3.1"
	DefaultNetwork = "podhost"

	// ConfighashLabel records the confighash on the running proxy.
	ConfighashLabel = "io.podhost.confighash"
	// ManagedLabel marks containers podhost owns.
	ManagedLabel = "io.podhost.managed"

	staticConfigMount = "/etc/traefik/traefik.yml"
	acmeStorageMount  = "/letsencrypt/acme.json"
	socketMount       = "/var/run/docker.sock"

	letsEncryptStaging = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// ACME configures certificate issuance.
type ACME struct {
	Enabled bool
	Email   string
	Staging bool
	// Resolver names the certificate resolver routers reference.
	Resolver string
	// Storage is the host path of acme.json.
	Storage string
	// DNSChallenge is a lego provider name; empty selects the HTTP challenge.
	DNSChallenge string
}

// Config is the full effective proxy configuration. Every field contributes
// to the confighash.
type Config struct {
	Name      string
	Image     string
	Version   string
	Network   string
	HTTPPort  int
	HTTPSPort int
	ACME      ACME
	// DNSServers override the container's resolvers and the DNS challenge's.
	DNSServers []string
	Ping       bool
	Dashboard  bool
	Metrics    bool
	// StaticConfigPath is the host path traefik.yml is written to.
	StaticConfigPath string
	// SocketPath is the host's Podman API socket.
	SocketPath string
	Volumes    []string
	// AllowHostNetwork permits falling back to host networking when the
	// published ports cannot be bound.
	AllowHostNetwork bool
}

// ImageRef is the pinned image reference.
func (c Config) ImageRef() string {
	if c.Version == "" {
		return c.Image
	}
	return c.Image + ":" + c.Version
}

// Ports returns the host ports the proxy must listen on.
func (c Config) Ports() []int {
	c = c.WithDefaults()
	return []int{c.HTTPPort, c.HTTPSPort}
}

// WithDefaults fills unset fields with the package defaults.
func (c Config) WithDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if c.Version == "" && !strings.Contains(path.Base(c.Image), ":") {
		c.Version = DefaultVersion
	}
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 80
	}
	if c.HTTPSPort == 0 {
		c.HTTPSPort = 443
	}
	if c.ACME.Resolver == "" {
		c.ACME.Resolver = routing.DefaultResolver
	}
	return c
}

type staticConfig struct {
	Global struct {
		CheckNewVersion    bool `yaml:"checkNewVersion"`
		SendAnonymousUsage bool `yaml:"sendAnonymousUsage"`
	} `yaml:"global"`
	EntryPoints map[string]entryPoint `yaml:"entryPoints"`
	Providers   struct {
		Docker dockerProvider `yaml:"docker"`
	} `yaml:"providers"`
	Ping      *struct{}               `yaml:"ping,omitempty"`
	API       *apiConfig              `yaml:"api,omitempty"`
	Metrics   *metricsConfig          `yaml:"metrics,omitempty"`
	Resolvers map[string]certResolver `yaml:"certificatesResolvers,omitempty"`
}

type entryPoint struct {
	Address string `yaml:"address"`
}

type dockerProvider struct {
	Endpoint         string `yaml:"endpoint"`
	ExposedByDefault bool   `yaml:"exposedByDefault"`
	Network          string `yaml:"network"`
}

type apiConfig struct {
	Dashboard bool `yaml:"dashboard"`
}

type metricsConfig struct {
	Prometheus struct{} `yaml:"prometheus"`
}

type certResolver struct {
	ACME acmeConfig `yaml:"acme"`
}

type acmeConfig struct {
	Email         string        `yaml:"email,omitempty"`
	Storage       string        `yaml:"storage"`
	CAServer      string        `yaml:"caServer,omitempty"`
	HTTPChallenge *httpChallenge `yaml:"httpChallenge,omitempty"`
	DNSChallenge  *dnsChallenge  `yaml:"dnsChallenge,omitempty"`
}

type httpChallenge struct {
	EntryPoint string `yaml:"entryPoint"`
}

type dnsChallenge struct {
	Provider  string   `yaml:"provider"`
	Resolvers []string `yaml:"resolvers,omitempty"`
}

// StaticConfig renders traefik.yml. The entrypoints listen on the same port
// numbers inside the container as on the host so the host-network fallback
// binds the same ports.
func (c Config) StaticConfig() ([]byte, error) {
	c = c.WithDefaults()

	var sc staticConfig
	sc.EntryPoints = map[string]entryPoint{
		routing.EntryPointWeb:       {Address: ":" + strconv.Itoa(c.HTTPPort)},
		routing.EntryPointWebSecure: {Address: ":" + strconv.Itoa(c.HTTPSPort)},
	}
	sc.Providers.Docker = dockerProvider{
		Endpoint: "unix://" + socketMount,
		Network:  c.Network,
	}
	if c.Ping {
		sc.Ping = &struct{}{}
	}
	if c.Dashboard {
		sc.API = &apiConfig{Dashboard: true}
	}
	if c.Metrics {
		sc.Metrics = &metricsConfig{}
	}
	if c.ACME.Enabled {
		acme := acmeConfig{
			Email:   c.ACME.Email,
			Storage: acmeStorageMount,
		}
		if c.ACME.Staging {
			acme.CAServer = letsEncryptStaging
		}
		if c.ACME.DNSChallenge != "" {
			acme.DNSChallenge = &dnsChallenge{Provider: c.ACME.DNSChallenge}
			for _, s := range sortedUnique(c.DNSServers) {
				acme.DNSChallenge.Resolvers = append(acme.DNSChallenge.Resolvers, withDNSPort(s))
			}
		} else {
			acme.HTTPChallenge = &httpChallenge{EntryPoint: routing.EntryPointWeb}
		}
		sc.Resolvers = map[string]certResolver{c.ACME.Resolver: {ACME: acme}}
	}

	out, err := yaml.Marshal(&sc)
	if err != nil {
		return nil, fmt.Errorf("render traefik static config: %w", err)
	}
	return out, nil
}

// Confighash digests every input that changes the proxy's behaviour. The
// order of DNS servers and volumes does not matter.
func (c Config) Confighash() (string, error) {
	c = c.WithDefaults()
	static, err := c.StaticConfig()
	if err != nil {
		return "", err
	}
	staticSum := sha256.Sum256(static)

	h := sha256.New()
	fields := [][2]string{
		{"image", c.ImageRef()},
		{"network", c.Network},
		{"http_port", strconv.Itoa(c.HTTPPort)},
		{"https_port", strconv.Itoa(c.HTTPSPort)},
		{"acme.enabled", strconv.FormatBool(c.ACME.Enabled)},
		{"acme.email", c.ACME.Email},
		{"acme.staging", strconv.FormatBool(c.ACME.Staging)},
		{"acme.resolver", c.ACME.Resolver},
		{"acme.storage", c.ACME.Storage},
		{"acme.dns_challenge", c.ACME.DNSChallenge},
		{"dns", strings.Join(sortedUnique(c.DNSServers), ",")},
		{"ping", strconv.FormatBool(c.Ping)},
		{"dashboard", strconv.FormatBool(c.Dashboard)},
		{"metrics", strconv.FormatBool(c.Metrics)},
		{"static_config_path", c.StaticConfigPath},
		{"socket", c.SocketPath},
		{"volumes", strings.Join(sortedUnique(c.Volumes), ",")},
		{"static_config", hex.EncodeToString(staticSum[:])},
	}
	for _, f := range fields {
		// Length-prefixed so adjacent fields cannot run together.
		fmt.Fprintf(h, "%s=%d:%s\n", f[0], len(f[1]), f[1])
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RunSpec is the container definition for the proxy. hostNetwork selects
// the fallback topology that binds the ports directly in the host namespace.
func (c Config) RunSpec(hash string, hostNetwork bool) engine.RunSpec {
	c = c.WithDefaults()
	spec := engine.RunSpec{
		Name:    c.Name,
		Image:   c.ImageRef(),
		Network: c.Network,
		Publish: []engine.PortMapping{
			{HostPort: c.HTTPPort, ContainerPort: c.HTTPPort},
			{HostPort: c.HTTPSPort, ContainerPort: c.HTTPSPort},
		},
		Labels: []string{
			ManagedLabel + "=true",
			ConfighashLabel + "=" + hash,
		},
		DNS:     sortedUnique(c.DNSServers),
		Restart: "always",
	}
	if hostNetwork {
		spec.Network = engine.HostNetwork
		spec.Publish = nil
	}
	if c.StaticConfigPath != "" {
		spec.Volumes = append(spec.Volumes, c.StaticConfigPath+":"+staticConfigMount+":ro,Z")
	}
	if c.ACME.Enabled && c.ACME.Storage != "" {
		spec.Volumes = append(spec.Volumes, c.ACME.Storage+":"+acmeStorageMount+":Z")
	}
	if c.SocketPath != "" {
		spec.Volumes = append(spec.Volumes, c.SocketPath+":"+socketMount+":ro")
	}
	spec.Volumes = append(spec.Volumes, sortedUnique(c.Volumes)...)
	return spec
}

func sortedUnique(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func withDNSPort(server string) string {
	if strings.Contains(server, "]:") || strings.Count(server, ":") == 1 {
		return server
	}
	if strings.Contains(server, ":") {
		return "[" + server + "]:53"
	}
	return server + ":53"
}
