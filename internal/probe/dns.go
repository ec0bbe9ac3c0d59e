package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

const resolvConf = "/etc/resolv.conf"

// DNSResolver looks up A and AAAA records directly against nameservers.
type DNSResolver struct {
	servers []string
	client  *dns.Client
}

// NewDNSResolver queries servers ("host" or "host:port"); with none it uses
// the nameservers of /etc/resolv.conf.
func NewDNSResolver(servers ...string) (*DNSResolver, error) {
	var addrs []string
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		addrs = append(addrs, s)
	}
	if len(addrs) == 0 {
		cfg, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", resolvConf, err)
		}
		for _, s := range cfg.Servers {
			addrs = append(addrs, net.JoinHostPort(s, cfg.Port))
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("no nameservers configured")
	}
	return &DNSResolver{
		servers: addrs,
		client:  &dns.Client{Timeout: 5 * time.Second},
	}, nil
}

// Lookup returns the A and AAAA addresses of name from the first server that
// answers.
func (r *DNSResolver) Lookup(ctx context.Context, name string) ([]string, error) {
	var lastErr error
	for _, server := range r.servers {
		var addrs []string
		answered := false
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			msg := new(dns.Msg)
			msg.SetQuestion(dns.Fqdn(name), qtype)
			msg.RecursionDesired = true

			in, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil {
				lastErr = fmt.Errorf("query %s: %w", server, err)
				continue
			}
			if in.Rcode != dns.RcodeSuccess {
				lastErr = fmt.Errorf("query %s: %s", server, dns.RcodeToString[in.Rcode])
				answered = true
				continue
			}
			answered = true
			for _, rr := range in.Answer {
				switch v := rr.(type) {
				case *dns.A:
					addrs = append(addrs, v.A.String())
				case *dns.AAAA:
					addrs = append(addrs, v.AAAA.String())
				}
			}
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
		if answered && lastErr == nil {
			return nil, fmt.Errorf("%s has no A or AAAA records", name)
		}
	}
	return nil, fmt.Errorf("resolve %s: %w", name, lastErr)
}
