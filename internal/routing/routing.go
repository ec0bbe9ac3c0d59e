// Package routing builds the Traefik router, middleware and service labels
// that expose a container on one or more host names.
//
// The same Labels value is applied to the live container and written to its
// persisted unit, so both always carry identical routing.
package routing

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	// EntryPointWeb is the insecure (HTTP) entrypoint.
	EntryPointWeb = "web"
	// EntryPointWebSecure is the TLS entrypoint.
	EntryPointWebSecure = "websecure"

	// DefaultResolver names the ACME certificate resolver.
	DefaultResolver = "letsencrypt"

	redirectSuffix     = "-http"
	redirectMiddleware = "redirect-to-https"
)

var ErrNoHosts = errors.New("routing rule needs at least one host")

var routerNameInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// Input carries everything a rule depends on.
type Input struct {
	RouterName string
	Domain     string
	// Aliases may hold several names separated by commas or whitespace.
	Aliases    []string
	IncludeWWW bool
	// Hosts, when non-empty, replaces Domain, Aliases and IncludeWWW.
	Hosts       []string
	ACME        bool
	Resolver    string
	ServicePort int
	Network     string
}

// Rule is one router with its optional redirect pair.
type Rule struct {
	RouterName  string
	Hosts       []string
	ACME        bool
	EntryPoints []string
	TLSResolver string
	ServicePort int
	Network     string
}

// RouterName derives a router name from a container name.
func RouterName(name string) string {
	n := routerNameInvalid.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(n, "-")
}

// Build normalises hosts and assembles the rule.
func Build(in Input) (Rule, error) {
	name := RouterName(in.RouterName)
	if name == "" {
		return Rule{}, fmt.Errorf("router name %q has no usable characters", in.RouterName)
	}
	if in.ServicePort < 1 || in.ServicePort > 65535 {
		return Rule{}, fmt.Errorf("service port %d for router %q is out of range", in.ServicePort, name)
	}

	hosts := HostList(in)
	if len(hosts) == 0 {
		return Rule{}, fmt.Errorf("router %q: %w", name, ErrNoHosts)
	}

	r := Rule{
		RouterName:  name,
		Hosts:       hosts,
		ACME:        in.ACME,
		EntryPoints: []string{EntryPointWeb},
		ServicePort: in.ServicePort,
		Network:     in.Network,
	}
	if in.ACME {
		r.EntryPoints = []string{EntryPointWebSecure}
		r.TLSResolver = in.Resolver
		if r.TLSResolver == "" {
			r.TLSResolver = DefaultResolver
		}
	}
	return r, nil
}

// HostList returns the deduplicated, ordered host names for in. The primary
// domain is first unless an explicit host list was supplied.
func HostList(in Input) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	var hosts []string
	add := func(raw string) {
		h := normalizeHost(raw)
		if h != "" && seen.Add(h) {
			hosts = append(hosts, h)
		}
	}

	if explicit := splitHosts(in.Hosts); len(explicit) > 0 {
		for _, h := range explicit {
			add(h)
		}
		return hosts
	}

	primary := normalizeHost(in.Domain)
	add(primary)
	for _, a := range splitHosts(in.Aliases) {
		add(a)
	}
	if primary == "" {
		return hosts
	}
	if apex, ok := strings.CutPrefix(primary, "www."); ok {
		add(apex)
	} else if in.IncludeWWW {
		add("www." + primary)
	}
	return hosts
}

// Expression is the Host() matcher over all hosts.
func (r Rule) Expression() string {
	parts := make([]string, len(r.Hosts))
	for i, h := range r.Hosts {
		parts[i] = "Host(`" + h + "`)"
	}
	return strings.Join(parts, " || ")
}

// RedirectRouter names the paired HTTP router emitted when ACME is on.
func (r Rule) RedirectRouter() string {
	if !r.ACME {
		return ""
	}
	return r.RouterName + redirectSuffix
}

// Labels renders the rule as container labels in a fixed order.
func (r Rule) Labels() Labels {
	router := "traefik.http.routers." + r.RouterName
	service := "traefik.http.services." + r.RouterName

	ls := Labels{{Key: "traefik.enable", Value: "true"}}
	if r.Network != "" {
		ls = append(ls, Label{"traefik.docker.network", r.Network})
	}
	ls = append(ls,
		Label{router + ".rule", r.Expression()},
		Label{router + ".entrypoints", strings.Join(r.EntryPoints, ",")},
		Label{router + ".service", r.RouterName},
	)
	if r.ACME {
		redirect := "traefik.http.routers." + r.RedirectRouter()
		middleware := "traefik.http.middlewares." + redirectMiddleware
		ls = append(ls,
			Label{router + ".tls", "true"},
			Label{router + ".tls.certresolver", r.TLSResolver},
			Label{redirect + ".rule", r.Expression()},
			Label{redirect + ".entrypoints", EntryPointWeb},
			Label{redirect + ".middlewares", redirectMiddleware},
			Label{middleware + ".redirectscheme.scheme", "https"},
			Label{middleware + ".redirectscheme.permanent", "true"},
		)
	}
	return append(ls, Label{service + ".loadbalancer.server.port", strconv.Itoa(r.ServicePort)})
}

func normalizeHost(raw string) string {
	h := strings.ToLower(strings.TrimSpace(raw))
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	return strings.TrimSuffix(h, ".")
}

func splitHosts(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		})...)
	}
	return out
}
