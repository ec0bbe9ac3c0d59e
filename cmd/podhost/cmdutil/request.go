package cmdutil

import (
	"github.com/spf13/cobra"

	"podhost/internal/config"
)

// RequestFlags overlay a request file. Only flags set on the command line
// override file values.
type RequestFlags struct {
	File string

	image, name, envFile     string
	port, hostPort           string
	domain, email, network   string
	aliases, hosts, volumes  []string
	dns                      []string
	includeWWW, acme         bool
	staging, allowHost       bool
	cpus, memory             string
	pids                     int
	proxyVersion             string
	probeRequired, skipProbe bool
	probeAddress             string
	probePath                string
}

// Bind registers the request flags on cmd.
func (f *RequestFlags) Bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.File, "file", "f", "", "YAML request file")
	fl.StringVar(&f.image, "image", "", "Image reference to deploy")
	fl.StringVar(&f.name, "name", "", "Container name")
	fl.StringVar(&f.envFile, "env-file", "", "Environment file on the host")
	fl.StringVar(&f.port, "port", "", "Port the application listens on inside the container")
	fl.StringVar(&f.hostPort, "host-port", "", "Published host port (unrouted deploys only)")
	fl.StringVar(&f.domain, "domain", "", "Primary domain; enables the proxy")
	fl.StringSliceVar(&f.aliases, "alias", nil, "Additional domain (repeatable)")
	fl.StringSliceVar(&f.hosts, "hosts", nil, "Explicit host list, replacing domain and aliases")
	fl.BoolVar(&f.includeWWW, "include-www", false, "Also route www.<domain>")
	fl.BoolVar(&f.acme, "acme", false, "Issue certificates with ACME")
	fl.StringVar(&f.email, "acme-email", "", "ACME account email")
	fl.BoolVar(&f.staging, "acme-staging", false, "Use the Let's Encrypt staging directory")
	fl.StringVar(&f.network, "network", "", "Network shared by the proxy and the app")
	fl.StringSliceVar(&f.volumes, "volume", nil, "Volume mount (repeatable)")
	fl.StringSliceVar(&f.dns, "proxy-dns", nil, "DNS server for the proxy (repeatable)")
	fl.StringVar(&f.cpus, "cpus", "", "CPU limit")
	fl.StringVar(&f.memory, "memory", "", "Memory limit")
	fl.IntVar(&f.pids, "pids-limit", 0, "PID limit")
	fl.StringVar(&f.proxyVersion, "proxy-version", "", "Traefik version")
	fl.BoolVar(&f.allowHost, "allow-host-network", false, "Fall back to host networking when ports 80/443 cannot be published")
	fl.BoolVar(&f.probeRequired, "probe-required", false, "Fail the deploy when the domain probe fails")
	fl.BoolVar(&f.skipProbe, "skip-probe", false, "Skip the post-deploy domain probe")
	fl.StringVar(&f.probeAddress, "probe-address", "", "Probe this host:port instead of resolving the domain")
	fl.StringVar(&f.probePath, "probe-path", "", "Path requested by the domain probe")
}

// Request loads the file, if any, and applies the flags that were set.
func (f *RequestFlags) Request(cmd *cobra.Command) (config.Request, error) {
	var req config.Request
	if f.File != "" {
		loaded, err := config.Load(f.File)
		if err != nil {
			return req, err
		}
		req = loaded
	}

	changed := cmd.Flags().Changed
	setString := func(flag string, dst *string, v string) {
		if changed(flag) {
			*dst = v
		}
	}
	setBool := func(flag string, dst *bool, v bool) {
		if changed(flag) {
			*dst = v
		}
	}
	setSlice := func(flag string, dst *[]string, v []string) {
		if changed(flag) {
			*dst = v
		}
	}

	setString("image", &req.ImageRef, f.image)
	setString("name", &req.ContainerName, f.name)
	setString("env-file", &req.EnvFilePath, f.envFile)
	setString("port", &req.Ports.Container, f.port)
	setString("host-port", &req.Ports.Host, f.hostPort)
	setString("domain", &req.Domain, f.domain)
	setSlice("alias", &req.Aliases, f.aliases)
	setSlice("hosts", &req.Hosts, f.hosts)
	setBool("include-www", &req.IncludeWWW, f.includeWWW)
	setBool("acme", &req.ACMEEnabled, f.acme)
	setString("acme-email", &req.ACMEEmail, f.email)
	setBool("acme-staging", &req.Proxy.Staging, f.staging)
	setString("network", &req.NetworkName, f.network)
	setSlice("volume", &req.Volumes, f.volumes)
	setSlice("proxy-dns", &req.Proxy.DNSServers, f.dns)
	setString("cpus", &req.ResourceLimits.CPUs, f.cpus)
	setString("memory", &req.ResourceLimits.Memory, f.memory)
	if changed("pids-limit") {
		req.ResourceLimits.PIDs = f.pids
	}
	setString("proxy-version", &req.Proxy.Version, f.proxyVersion)
	setBool("allow-host-network", &req.AllowHostNetwork, f.allowHost)
	setBool("probe-required", &req.Probe.Required, f.probeRequired)
	setBool("skip-probe", &req.Probe.Skip, f.skipProbe)
	setString("probe-address", &req.Probe.Address, f.probeAddress)
	setString("probe-path", &req.Probe.Path, f.probePath)
	return req, nil
}
