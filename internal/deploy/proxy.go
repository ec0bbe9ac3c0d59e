package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"podhost/internal/config"
	"podhost/internal/host"
	"podhost/internal/proxy"
	"podhost/internal/quadlet"
)

// ProxyResult is the outcome of ensuring the shared proxy.
type ProxyResult struct {
	Outcome  proxy.Outcome
	UnitPath string
	Warnings []string
}

// EnsureProxy reconciles the shared proxy for req and persists its unit.
func (d *Deployer) EnsureProxy(ctx context.Context, req config.Request) (ProxyResult, error) {
	req.ApplyDefaults()
	priv, err := d.host.Privilege(ctx)
	if err != nil {
		return ProxyResult{}, fmt.Errorf("read host privilege: %w", err)
	}
	cfg, err := d.proxyConfig(ctx, req, priv)
	if err != nil {
		return ProxyResult{}, err
	}
	return d.ensureProxy(ctx, cfg, priv)
}

// ProxyConfig returns the effective proxy configuration for req with host
// paths resolved.
func (d *Deployer) ProxyConfig(ctx context.Context, req config.Request) (proxy.Config, error) {
	req.ApplyDefaults()
	priv, err := d.host.Privilege(ctx)
	if err != nil {
		return proxy.Config{}, fmt.Errorf("read host privilege: %w", err)
	}
	return d.proxyConfig(ctx, req, priv)
}

func (d *Deployer) proxyConfig(ctx context.Context, req config.Request, priv host.Privilege) (proxy.Config, error) {
	cfg := req.ProxyConfig(priv.UID, priv.Root)
	var err error
	if cfg.StaticConfigPath, err = host.ExpandHome(ctx, d.host, cfg.StaticConfigPath); err != nil {
		return cfg, err
	}
	if cfg.ACME.Storage, err = host.ExpandHome(ctx, d.host, cfg.ACME.Storage); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (d *Deployer) ensureProxy(ctx context.Context, cfg proxy.Config, priv host.Privilege) (ProxyResult, error) {
	log := slog.With("component", "deploy", "proxy", cfg.Name)
	var res ProxyResult

	if err := d.engine.EnsureNetwork(ctx, cfg.Network); err != nil {
		return res, fmt.Errorf("ensure network %s: %w", cfg.Network, err)
	}
	out, err := d.reconciler.Reconcile(ctx, cfg, priv)
	res.Outcome = out
	if err != nil {
		return res, fmt.Errorf("reconcile proxy: %w", err)
	}

	// A sudo-started container is owned by root's Podman; a user unit
	// cannot manage it.
	if out.Escalated && !priv.Root {
		msg := "proxy runs under sudo; its restart unit was not written, install it as root"
		log.Warn(msg)
		res.Warnings = append(res.Warnings, msg)
		return res, nil
	}

	unit := quadlet.FromRunSpec(out.Spec)
	unit.Description = "podhost shared proxy"
	written, err := d.units.Write(ctx, unit)
	if err != nil {
		log.Warn("proxy will not survive a reboot", "err", err)
		res.Warnings = append(res.Warnings, "proxy will not survive a reboot: "+err.Error())
		return res, nil
	}
	res.UnitPath = written.Path
	return res, nil
}
