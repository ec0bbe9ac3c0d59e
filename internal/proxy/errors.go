package proxy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrBindFailed means the proxy could not bind its ports even after the
	// host-network fallback.
	ErrBindFailed = errors.New("proxy ports could not be bound")
	// ErrHostNetworkNotAllowed means the ports could not be bound and the
	// caller did not permit switching the proxy to host networking.
	ErrHostNetworkNotAllowed = errors.New("privileged ports refused and host networking not allowed")
)

// BindError reports a privileged-port failure together with the raw engine
// errors of each attempt.
type BindError struct {
	Ports              []int
	Network            string
	HostNetworkAllowed bool
	// Attempts holds the engine error of each create attempt in order.
	Attempts []error
}

func (e *BindError) Error() string {
	var msgs []string
	for _, err := range e.Attempts {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%v (ports %s): %s", e.reason(), joinPorts(e.Ports), strings.Join(msgs, "; "))
}

func (e *BindError) Unwrap() []error {
	return append([]error{e.reason()}, e.Attempts...)
}

func (e *BindError) reason() error {
	if e.HostNetworkAllowed {
		return ErrBindFailed
	}
	return ErrHostNetworkNotAllowed
}

// Hint returns the remediation for the failure.
func (e *BindError) Hint() string {
	lowest := 0
	for _, p := range e.Ports {
		if lowest == 0 || p < lowest {
			lowest = p
		}
	}
	floor := fmt.Sprintf("run `sudo sysctl -w net.ipv4.ip_unprivileged_port_start=%d` (persist it in /etc/sysctl.d/) or grant rootlessport cap_net_bind_service", lowest)
	if !e.HostNetworkAllowed {
		return floor + "; alternatively set allow_host_network, noting a host-networked proxy cannot reach containers on network " + strconv.Quote(e.Network)
	}
	return floor + "; host networking was also refused, so passwordless sudo or root is required for the fallback"
}

func joinPorts(ports []int) string {
	s := make([]string, len(ports))
	for i, p := range ports {
		s[i] = strconv.Itoa(p)
	}
	return strings.Join(s, ",")
}
