package probe

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"podhost/internal/engine"
	"podhost/internal/routing"
)

const diagnosticLogLines = 40

// DiagnoseInput names the containers to compare.
type DiagnoseInput struct {
	Proxy  string
	Target string
	// Expected are the routing labels the target should carry.
	Expected routing.Labels
}

// Diagnostics is the dump printed after a failed probe.
type Diagnostics struct {
	ProxyLogs        string
	ProxyNetworks    []string
	ProxyHostNetwork bool
	TargetNetworks   []string
	// TargetLabels holds the traefik.* labels observed on the target.
	TargetLabels    map[string]string
	SharedNetworks  []string
	NetworkMismatch bool
	MissingLabels   routing.Labels
}

// Diagnose collects proxy logs, the target's routing labels and both
// containers' network memberships.
func (p *Prober) Diagnose(ctx context.Context, in DiagnoseInput) (Diagnostics, error) {
	var d Diagnostics

	logs, err := p.engine.Logs(ctx, in.Proxy, diagnosticLogLines)
	if err != nil {
		slog.Warn("read proxy logs", "component", "probe", "proxy", in.Proxy, "err", err)
	}
	d.ProxyLogs = logs

	proxy, err := p.engine.Inspect(ctx, in.Proxy)
	if err != nil {
		return d, fmt.Errorf("inspect proxy: %w", err)
	}
	target, err := p.engine.Inspect(ctx, in.Target)
	if err != nil {
		return d, fmt.Errorf("inspect target: %w", err)
	}

	d.ProxyNetworks = proxy.Networks
	d.ProxyHostNetwork = proxy.HostNetwork
	d.TargetNetworks = target.Networks
	d.TargetLabels = make(map[string]string)
	for k, v := range target.Labels {
		if strings.HasPrefix(k, "traefik.") {
			d.TargetLabels[k] = v
		}
	}
	d.MissingLabels = in.Expected.Missing(target.Labels)

	shared := mapset.NewThreadUnsafeSet(proxy.Networks...).Intersect(mapset.NewThreadUnsafeSet(target.Networks...))
	d.SharedNetworks = shared.ToSlice()
	slices.Sort(d.SharedNetworks)
	d.NetworkMismatch = proxy.HostNetwork || len(d.SharedNetworks) == 0 ||
		!proxy.Exists() || !target.Exists()
	return d, nil
}

// Lines renders the dump for humans.
func (d Diagnostics) Lines() []string {
	proxyNets := strings.Join(d.ProxyNetworks, ",")
	if d.ProxyHostNetwork {
		proxyNets = engine.HostNetwork
	}
	lines := []string{
		fmt.Sprintf("proxy networks:  %s", orNone(proxyNets)),
		fmt.Sprintf("target networks: %s", orNone(strings.Join(d.TargetNetworks, ","))),
	}
	if d.NetworkMismatch {
		lines = append(lines, "network mismatch: the proxy cannot reach the target container")
	}

	keys := make([]string, 0, len(d.TargetLabels))
	for k := range d.TargetLabels {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		lines = append(lines, "label "+k+"="+d.TargetLabels[k])
	}
	for _, l := range d.MissingLabels {
		lines = append(lines, "missing label "+l.String())
	}
	if d.ProxyLogs != "" {
		lines = append(lines, "proxy logs:")
		for _, l := range strings.Split(d.ProxyLogs, "\n") {
			lines = append(lines, "  "+l)
		}
	}
	return lines
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
