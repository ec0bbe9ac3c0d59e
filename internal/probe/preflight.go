package probe

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Check is one preflight verdict.
type Check struct {
	Name        string
	OK          bool
	Detail      string
	Remediation string
}

// Report collects preflight checks.
type Report struct {
	Checks []Check
}

func (r Report) OK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// Failed returns the checks that did not pass.
func (r Report) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.OK {
			out = append(out, c)
		}
	}
	return out
}

// PreflightInput names what preflight verifies.
type PreflightInput struct {
	ProxyName string
	Ports     []int
	// ACMEStorage is the host path of acme.json; empty skips the check.
	ACMEStorage string
}

// Preflight verifies the proxy's listeners and certificate storage. A port
// that is not bound passes when the proxy's systemd socket unit is active.
func (p *Prober) Preflight(ctx context.Context, in PreflightInput) (Report, error) {
	log := slog.With("component", "preflight", "proxy", in.ProxyName)
	var rep Report

	listening, err := p.host.ListeningPorts(ctx)
	if err != nil {
		return rep, fmt.Errorf("list listening ports: %w", err)
	}
	socketActive := false
	socketChecked := false
	for _, port := range in.Ports {
		name := "listener:" + strconv.Itoa(port)
		if listening[port] {
			rep.Checks = append(rep.Checks, Check{Name: name, OK: true, Detail: "bound"})
			continue
		}
		if !socketChecked {
			socketActive = p.socketActive(ctx, in.ProxyName)
			socketChecked = true
		}
		if socketActive {
			rep.Checks = append(rep.Checks, Check{Name: name, OK: true, Detail: "socket activation"})
			continue
		}
		rep.Checks = append(rep.Checks, Check{
			Name:        name,
			Detail:      "nothing listening",
			Remediation: fmt.Sprintf("start the proxy (`podhost proxy ensure`) and check `podman logs %s`; if another service owns port %d, stop it", in.ProxyName, port),
		})
	}

	if in.ACMEStorage != "" {
		rep.Checks = append(rep.Checks, p.acmeStorage(ctx, in.ACMEStorage))
	}

	for _, c := range rep.Failed() {
		log.Warn("preflight check failed", "check", c.Name, "detail", c.Detail)
	}
	return rep, nil
}

func (p *Prober) socketActive(ctx context.Context, proxyName string) bool {
	args := []string{"is-active", proxyName + ".socket"}
	if priv, err := p.host.Privilege(ctx); err == nil && !priv.Root {
		args = append([]string{"--user"}, args...)
	}
	out, err := p.host.Run(ctx, "systemctl", args...)
	return err == nil && strings.TrimSpace(out) == "active"
}

func (p *Prober) acmeStorage(ctx context.Context, path string) Check {
	c := Check{Name: "acme-storage"}
	info, err := p.host.Stat(ctx, path)
	switch {
	case err != nil:
		c.Detail = err.Error()
		c.Remediation = "check that " + path + " is readable by the deploying user"
	case !info.Exists:
		c.Detail = "missing"
		c.Remediation = fmt.Sprintf("create it with `install -m 600 /dev/null %s`, or rerun `podhost proxy ensure`", path)
	case info.Mode.Perm() != 0o600:
		c.Detail = fmt.Sprintf("mode %#o", info.Mode.Perm())
		c.Remediation = fmt.Sprintf("run `chmod 600 %s`; Traefik refuses certificate storage readable by others", path)
	default:
		c.OK = true
		c.Detail = "mode 0600"
	}
	return c
}
