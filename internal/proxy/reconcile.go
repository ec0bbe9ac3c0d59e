// Package proxy reconciles the host's shared Traefik instance against the
// desired configuration. The decision is driven by a confighash label on the
// running container, so repeated invocations converge without a coordinator.
package proxy

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"podhost/internal/engine"
	"podhost/internal/host"
)

const (
	DefaultRecheckAttempts = 5
	DefaultRecheckInterval = 2 * time.Second
)

// Engine is the container engine surface the reconciler drives.
// Production: *engine.Podman
// Testing: fake.Engine
type Engine interface {
	Inspect(ctx context.Context, name string) (engine.Container, error)
	Run(ctx context.Context, spec engine.RunSpec) (string, error)
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string, force bool) error
	Restart(ctx context.Context, name string) error
}

// Host is the host surface the reconciler needs.
// Production: host.Host
// Testing: fake.Host
type Host interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
	WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error
	Stat(ctx context.Context, path string) (host.FileInfo, error)
	ListeningPorts(ctx context.Context) (map[int]bool, error)
}

// Outcome reports what Reconcile decided and did.
type Outcome struct {
	Name       string
	State      State
	Confighash string
	// Actions lists the mutations issued, in order.
	Actions     []string
	HostNetwork bool
	// Escalated is set when the proxy runs under the privileged engine.
	Escalated bool
	// Spec is the container definition of the instance now running.
	Spec engine.RunSpec
}

// Reconciler drives the proxy towards a Config.
type Reconciler struct {
	engine    Engine
	escalated Engine
	host      Host

	recheckAttempts int
	recheckInterval time.Duration
}

type Option func(*Reconciler)

// WithEscalation sets the engine used when the host-network fallback needs
// root, typically the Podman client wrapped in sudo.
func WithEscalation(e Engine) Option {
	return func(r *Reconciler) { r.escalated = e }
}

// WithRecheck bounds the listener re-check after a restart.
func WithRecheck(attempts int, interval time.Duration) Option {
	return func(r *Reconciler) {
		r.recheckAttempts = attempts
		r.recheckInterval = interval
	}
}

func NewReconciler(e Engine, h Host, opts ...Option) *Reconciler {
	r := &Reconciler{
		engine:          e,
		host:            h,
		recheckAttempts: DefaultRecheckAttempts,
		recheckInterval: DefaultRecheckInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile takes the minimal action that leaves a proxy matching cfg
// running. priv decides whether the host-network fallback may escalate.
func (r *Reconciler) Reconcile(ctx context.Context, cfg Config, priv host.Privilege) (Outcome, error) {
	cfg = cfg.WithDefaults()
	log := slog.With("component", "proxy-reconciler", "proxy", cfg.Name)

	hash, err := cfg.Confighash()
	if err != nil {
		return Outcome{}, fmt.Errorf("compute proxy confighash: %w", err)
	}
	out := Outcome{Name: cfg.Name, Confighash: hash}

	current, active, err := r.observe(ctx, cfg.Name, priv)
	if err != nil {
		return out, err
	}
	listening, err := r.host.ListeningPorts(ctx)
	if err != nil {
		return out, fmt.Errorf("list listening ports: %w", err)
	}
	obs := Observe(current, listening)
	out.State = Decide(hash, obs, cfg.Ports())
	out.Escalated = active == r.escalated && r.escalated != nil
	log.Info("proxy state decided",
		"state", out.State.String(),
		"status", obs.Status.String(),
		"recorded_hash", short(obs.RecordedHash),
		"desired_hash", short(hash))

	switch out.State {
	case HealthyReuse:
		out.HostNetwork = current.HostNetwork
		out.Spec = cfg.RunSpec(hash, current.HostNetwork)
		return out, nil

	case StaleRestart:
		ok, err := r.restart(ctx, active, cfg, &out)
		if err != nil {
			return out, err
		}
		if ok {
			out.HostNetwork = current.HostNetwork
			out.Spec = cfg.RunSpec(hash, current.HostNetwork)
			return out, nil
		}
		log.Warn("listeners still missing after restart, recreating", "ports", cfg.Ports())
		out.State = StaleRecreate
		r.remove(ctx, active, cfg.Name, &out)

	case StaleRecreate:
		r.remove(ctx, active, cfg.Name, &out)
	}

	if err := r.prepareFiles(ctx, cfg); err != nil {
		return out, err
	}
	return out, r.create(ctx, cfg, hash, priv, &out)
}

// observe inspects the proxy under the rootless engine and, when it is
// absent there, under the escalated engine a previous fallback may have used.
func (r *Reconciler) observe(ctx context.Context, name string, priv host.Privilege) (engine.Container, Engine, error) {
	c, err := r.engine.Inspect(ctx, name)
	if err != nil {
		return engine.Container{}, nil, fmt.Errorf("inspect proxy: %w", err)
	}
	if c.Exists() || r.escalated == nil || !priv.CanEscalate() {
		return c, r.engine, nil
	}
	ec, err := r.escalated.Inspect(ctx, name)
	if err != nil {
		slog.Debug("privileged inspect failed, assuming rootless proxy",
			"component", "proxy-reconciler", "proxy", name, "err", err)
		return c, r.engine, nil
	}
	if ec.Exists() {
		return ec, r.escalated, nil
	}
	return c, r.engine, nil
}

func (r *Reconciler) restart(ctx context.Context, e Engine, cfg Config, out *Outcome) (bool, error) {
	out.Actions = append(out.Actions, "restart")
	if err := e.Restart(ctx, cfg.Name); err != nil {
		return false, fmt.Errorf("restart proxy: %w", err)
	}
	for i := 0; i < r.recheckAttempts; i++ {
		if err := sleep(ctx, r.recheckInterval); err != nil {
			return false, err
		}
		listening, err := r.host.ListeningPorts(ctx)
		if err != nil {
			return false, fmt.Errorf("list listening ports: %w", err)
		}
		c, err := e.Inspect(ctx, cfg.Name)
		if err != nil {
			return false, fmt.Errorf("inspect proxy: %w", err)
		}
		if c.Running() && allListening(listening, cfg.Ports()) {
			return true, nil
		}
	}
	return false, nil
}

// remove stops and removes the current instance. Failures are logged and
// ignored; a leftover container surfaces as a name collision on create.
func (r *Reconciler) remove(ctx context.Context, e Engine, name string, out *Outcome) {
	log := slog.With("component", "proxy-reconciler", "proxy", name)
	out.Actions = append(out.Actions, "stop")
	if err := e.Stop(ctx, name); err != nil {
		log.Warn("stop proxy failed, continuing", "err", err)
	}
	out.Actions = append(out.Actions, "remove")
	if err := e.Remove(ctx, name, true); err != nil {
		log.Warn("remove proxy failed, continuing", "err", err)
	}
}

func (r *Reconciler) prepareFiles(ctx context.Context, cfg Config) error {
	if cfg.StaticConfigPath != "" {
		static, err := cfg.StaticConfig()
		if err != nil {
			return err
		}
		if err := r.host.WriteFile(ctx, cfg.StaticConfigPath, static, 0o644); err != nil {
			return fmt.Errorf("write traefik static config: %w", err)
		}
	}
	if !cfg.ACME.Enabled || cfg.ACME.Storage == "" {
		return nil
	}

	info, err := r.host.Stat(ctx, cfg.ACME.Storage)
	if err != nil {
		return fmt.Errorf("stat acme storage: %w", err)
	}
	if !info.Exists {
		if err := r.host.WriteFile(ctx, cfg.ACME.Storage, nil, 0o600); err != nil {
			return fmt.Errorf("create acme storage: %w", err)
		}
		return nil
	}
	if info.Mode.Perm() != 0o600 {
		if _, err := r.host.Run(ctx, "chmod", "600", cfg.ACME.Storage); err != nil {
			return fmt.Errorf("restrict acme storage permissions: %w", err)
		}
	}
	return nil
}

func (r *Reconciler) create(ctx context.Context, cfg Config, hash string, priv host.Privilege, out *Outcome) error {
	log := slog.With("component", "proxy-reconciler", "proxy", cfg.Name)

	var below []int
	for _, p := range cfg.Ports() {
		if !priv.CanBind(p) {
			below = append(below, p)
		}
	}
	if len(below) > 0 {
		log.Info("ports below the unprivileged port floor, the engine may refuse them", "ports", below, "floor", priv.UnprivilegedPortStart)
	}

	spec := cfg.RunSpec(hash, false)
	_, err := engine.RunWithCleanup(ctx, r.engine, spec)
	if err == nil {
		out.Actions = append(out.Actions, "create")
		out.Spec = spec
		out.Escalated = false
		log.Info("proxy created", "network", spec.Network, "ports", cfg.Ports())
		return nil
	}
	if !engine.IsPrivilegedPort(err) {
		return fmt.Errorf("create proxy: %w", err)
	}

	log.Warn("engine refused privileged ports", "ports", cfg.Ports(), "floor", priv.UnprivilegedPortStart)
	// A refused run can leave a created container behind.
	if rmErr := r.engine.Remove(ctx, cfg.Name, true); rmErr != nil {
		log.Warn("remove failed proxy container", "err", rmErr)
	}

	bindErr := &BindError{Ports: cfg.Ports(), Network: cfg.Network, HostNetworkAllowed: cfg.AllowHostNetwork, Attempts: []error{err}}
	if !cfg.AllowHostNetwork {
		out.State = BindFailed
		return bindErr
	}

	fallback := r.engine
	out.Escalated = false
	switch {
	case priv.Root:
	case priv.CanEscalate() && r.escalated != nil:
		fallback = r.escalated
		out.Escalated = true
	default:
		log.Warn("no passwordless sudo, retrying host networking unprivileged")
	}

	spec = cfg.RunSpec(hash, true)
	if _, err := engine.RunWithCleanup(ctx, fallback, spec); err != nil {
		out.State = BindFailed
		bindErr.Attempts = append(bindErr.Attempts, err)
		return bindErr
	}
	out.Actions = append(out.Actions, "create-host-network")
	out.HostNetwork = true
	out.Spec = spec
	log.Warn("proxy running with host networking", "escalated", out.Escalated, "network", cfg.Network)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
