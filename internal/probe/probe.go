// Package probe verifies a deployment from the outside: that the proxy's
// listeners and certificate storage are in place, and that the domain
// answers over HTTPS or HTTP. Probes never change deployed state.
package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"podhost/internal/engine"
	"podhost/internal/host"
)

const (
	DefaultAttempts = 10
	DefaultInterval = 6 * time.Second

	requestTimeout = 10 * time.Second
)

var ErrProbeFailed = errors.New("probe failed")

// Cause is the likely reason a domain probe failed.
type Cause uint8

const (
	CauseNone Cause = iota
	CauseFirewall
	CauseRouteMismatch
	CauseGeneric
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseFirewall:
		return "firewall"
	case CauseRouteMismatch:
		return "route_mismatch"
	case CauseGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// Classify maps the last observed HTTP status (0 for no response) to a cause.
func Classify(status int) Cause {
	switch {
	case status >= 200 && status < 400:
		return CauseNone
	case status == 0:
		return CauseFirewall
	case status == http.StatusNotFound:
		return CauseRouteMismatch
	default:
		return CauseGeneric
	}
}

// Host is the host surface preflight needs.
// Production: host.Host
// Testing: fake.Host
type Host interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
	Stat(ctx context.Context, path string) (host.FileInfo, error)
	ListeningPorts(ctx context.Context) (map[int]bool, error)
	Privilege(ctx context.Context) (host.Privilege, error)
}

// Engine is the container engine surface diagnostics need.
// Production: *engine.Podman
// Testing: fake.Engine
type Engine interface {
	Inspect(ctx context.Context, name string) (engine.Container, error)
	Logs(ctx context.Context, name string, lines int) (string, error)
}

// LookupFunc resolves a host name to addresses.
type LookupFunc func(ctx context.Context, name string) ([]string, error)

// Prober runs preflight checks, domain probes and diagnostics.
type Prober struct {
	host   Host
	engine Engine
	client *http.Client
	lookup LookupFunc
}

type Option func(*Prober)

// WithHTTPClient replaces the client used for domain probes.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) { p.client = c }
}

// WithLookup replaces DNS resolution.
func WithLookup(fn LookupFunc) Option {
	return func(p *Prober) { p.lookup = fn }
}

func New(h Host, e Engine, opts ...Option) *Prober {
	p := &Prober{
		host:   h,
		engine: e,
		client: &http.Client{Timeout: requestTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.lookup == nil {
		p.lookup = func(ctx context.Context, name string) ([]string, error) {
			r, err := NewDNSResolver()
			if err != nil {
				return nil, err
			}
			return r.Lookup(ctx, name)
		}
	}
	return p
}

// DomainInput configures a post-deploy probe.
type DomainInput struct {
	Domain string
	Path   string
	// ACME selects HTTPS first; without it the probe goes straight to HTTP.
	ACME         bool
	HTTPFallback bool
	Attempts     int
	Interval     time.Duration
	// Address, when set, is dialled instead of resolving Domain ("host:port").
	Address string
}

// DomainResult is the outcome of a domain probe.
type DomainResult struct {
	OK        bool
	URL       string
	Status    int
	Attempts  int
	Addresses []string
	Cause     Cause
	Hint      string
}

// Err returns nil on success and an error matching ErrProbeFailed otherwise.
func (r DomainResult) Err() error {
	if r.OK {
		return nil
	}
	return &Error{Result: r}
}

// Error reports a failed domain probe.
type Error struct {
	Result DomainResult
}

func (e *Error) Error() string {
	if e.Result.Status == 0 {
		return fmt.Sprintf("%v: %s: no response after %d attempts", ErrProbeFailed, e.Result.URL, e.Result.Attempts)
	}
	return fmt.Sprintf("%v: %s: status %d after %d attempts", ErrProbeFailed, e.Result.URL, e.Result.Status, e.Result.Attempts)
}

func (e *Error) Unwrap() error { return ErrProbeFailed }

func (e *Error) Hint() string { return e.Result.Hint }

// Domain probes in.Domain until a 2xx or 3xx answer or the attempts run out.
func (p *Prober) Domain(ctx context.Context, in DomainInput) DomainResult {
	log := slog.With("component", "probe", "domain", in.Domain)
	if in.Attempts <= 0 {
		in.Attempts = DefaultAttempts
	}
	if in.Interval < 0 {
		in.Interval = 0
	}

	var res DomainResult
	addrs, err := p.lookup(ctx, in.Domain)
	if err != nil {
		log.Warn("dns lookup failed, probing anyway", "err", err)
	} else {
		res.Addresses = addrs
		log.Info("dns resolved", "addresses", strings.Join(addrs, ","))
	}

	client := p.clientFor(in)
	if in.ACME {
		if p.attempt(ctx, client, "https", in, &res) {
			return res
		}
		if !in.HTTPFallback {
			return classify(res)
		}
		log.Info("https probe exhausted, falling back to http")
	}
	if p.attempt(ctx, client, "http", in, &res) {
		return res
	}
	return classify(res)
}

func (p *Prober) attempt(ctx context.Context, client *http.Client, scheme string, in DomainInput, res *DomainResult) bool {
	log := slog.With("component", "probe", "domain", in.Domain, "scheme", scheme)
	url := scheme + "://" + in.Domain + "/" + strings.TrimPrefix(in.Path, "/")
	res.URL = url

	op := func() error {
		res.Attempts++
		status, err := get(ctx, client, url)
		res.Status = status
		if err != nil {
			var certErr *tls.CertificateVerificationError
			if errors.As(err, &certErr) {
				log.Info("certificate not valid yet, ACME issuance may be pending", "attempt", res.Attempts)
			} else {
				log.Debug("probe attempt failed", "attempt", res.Attempts, "err", err)
			}
			return err
		}
		if status >= 200 && status < 400 {
			return nil
		}
		log.Debug("probe attempt got status", "attempt", res.Attempts, "status", status)
		return fmt.Errorf("status %d", status)
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(in.Interval), uint64(in.Attempts-1))
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return false
	}
	res.OK = true
	res.Cause = CauseNone
	res.Hint = ""
	log.Info("domain reachable", "status", res.Status, "attempts", res.Attempts)
	return true
}

func (p *Prober) clientFor(in DomainInput) *http.Client {
	c := *p.client
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	if in.Address != "" {
		dialer := &net.Dialer{Timeout: 5 * time.Second}
		c.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, in.Address)
			},
			TLSClientConfig: &tls.Config{ServerName: in.Domain},
		}
	}
	return &c
}

func get(ctx context.Context, client *http.Client, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", "podhost-probe")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func classify(res DomainResult) DomainResult {
	res.Cause = Classify(res.Status)
	switch res.Cause {
	case CauseFirewall:
		res.Hint = "no response at all: open TCP 80 and 443 in the host firewall and any cloud security group, and check the domain's DNS points at this host"
	case CauseRouteMismatch:
		res.Hint = "the proxy answered 404: the router rule does not match this host name, or the container is not on the proxy's network; compare the labels and networks below"
	case CauseGeneric:
		res.Hint = fmt.Sprintf("the proxy answered %d: check the application logs and that the router's service port matches the port the application listens on", res.Status)
	}
	return res
}
