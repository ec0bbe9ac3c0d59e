// Package deploy runs one deployment end to end: the shared proxy, port
// resolution, routing labels, the application container, its restart unit
// and the post-deploy probe.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"podhost/internal/config"
	"podhost/internal/engine"
	"podhost/internal/host"
	"podhost/internal/ports"
	"podhost/internal/probe"
	"podhost/internal/proxy"
	"podhost/internal/quadlet"
	"podhost/internal/routing"
	"podhost/internal/telemetry"
)

// Engine is the container engine surface a deploy uses.
// Production: *engine.Podman
// Testing: fake.Engine
type Engine interface {
	Inspect(ctx context.Context, name string) (engine.Container, error)
	Run(ctx context.Context, spec engine.RunSpec) (string, error)
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string, force bool) error
	Restart(ctx context.Context, name string) error
	Logs(ctx context.Context, name string, lines int) (string, error)
	Pull(ctx context.Context, image string) error
	EnsureNetwork(ctx context.Context, name string) error
}

// Deployer wires the components against one host.
type Deployer struct {
	host   host.Host
	engine Engine

	reconciler *proxy.Reconciler
	resolver   *ports.Resolver
	units      *quadlet.Generator
	prober     *probe.Prober
	tracer     trace.Tracer
}

// Option configures a Deployer.
type Option func(*deployerOptions)

type deployerOptions struct {
	escalated Engine
	proxyOpts []proxy.Option
	portOpts  []ports.Option
	probeOpts []probe.Option
	tracer    trace.Tracer
}

// WithEscalation supplies the engine used when the deploying user must
// escalate through sudo to bind the proxy ports.
func WithEscalation(e Engine) Option {
	return func(o *deployerOptions) { o.escalated = e }
}

func WithProxyOptions(opts ...proxy.Option) Option {
	return func(o *deployerOptions) { o.proxyOpts = append(o.proxyOpts, opts...) }
}

func WithPortOptions(opts ...ports.Option) Option {
	return func(o *deployerOptions) { o.portOpts = append(o.portOpts, opts...) }
}

func WithProbeOptions(opts ...probe.Option) Option {
	return func(o *deployerOptions) { o.probeOpts = append(o.probeOpts, opts...) }
}

// WithTracer sets the tracer for deploy spans; the global one is used
// otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(o *deployerOptions) { o.tracer = t }
}

func New(h host.Host, e Engine, opts ...Option) *Deployer {
	var o deployerOptions
	for _, opt := range opts {
		opt(&o)
	}
	proxyOpts := o.proxyOpts
	if o.escalated != nil {
		proxyOpts = append([]proxy.Option{proxy.WithEscalation(o.escalated)}, proxyOpts...)
	}
	return &Deployer{
		host:       h,
		engine:     e,
		reconciler: proxy.NewReconciler(e, h, proxyOpts...),
		resolver:   ports.NewResolver(e, h, o.portOpts...),
		units:      quadlet.NewGenerator(h, e),
		prober:     probe.New(h, e, o.probeOpts...),
		tracer:     o.tracer,
	}
}

// Result is what a deploy reports back to its caller.
type Result struct {
	ContainerName         string
	ResolvedContainerPort int
	// ResolvedHostPort is zero when the proxy routes the container.
	ResolvedHostPort   int
	HostPortSource     ports.Source
	RoutingRuleApplied bool
	Hosts              []string
	Proxy              *proxy.Outcome
	ProxyUnitPath      string
	UnitPath           string
	Probe              *probe.DomainResult
	Diagnostics        *probe.Diagnostics
	Warnings           []string
}

func (r *Result) warn(log *slog.Logger, msg string, err error) {
	log.Warn(msg, "err", err)
	if err != nil {
		msg += ": " + err.Error()
	}
	r.Warnings = append(r.Warnings, msg)
}

// Outputs renders the result as key=value lines.
func (r Result) Outputs() []string {
	probeResult := "skipped"
	if r.Probe != nil {
		probeResult = "failed"
		if r.Probe.OK {
			probeResult = "ok"
		}
	}
	out := []string{
		"container_name=" + r.ContainerName,
		"resolved_container_port=" + strconv.Itoa(r.ResolvedContainerPort),
		"resolved_host_port=" + strconv.Itoa(r.ResolvedHostPort),
		"routing_rule_applied=" + strconv.FormatBool(r.RoutingRuleApplied),
		"probe_result=" + probeResult,
		"unit_path=" + r.UnitPath,
	}
	if !r.RoutingRuleApplied {
		out = append(out, "host_port_source="+r.HostPortSource.String())
	}
	if r.Proxy != nil {
		out = append(out,
			"proxy_state="+r.Proxy.State.String(),
			"proxy_host_network="+strconv.FormatBool(r.Proxy.HostNetwork))
	}
	return out
}

// Deploy runs every step for req. Persistence and probe failures are
// reported as warnings unless the probe is required.
func (d *Deployer) Deploy(ctx context.Context, req config.Request) (Result, error) {
	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	name := req.Name()
	routed := req.Routed()
	log := slog.With("component", "deploy", "container", name)
	res := Result{ContainerName: name, RoutingRuleApplied: routed}
	for _, w := range req.Warnings() {
		log.Warn(w)
		res.Warnings = append(res.Warnings, w)
	}

	priv, err := d.host.Privilege(ctx)
	if err != nil {
		return res, fmt.Errorf("read host privilege: %w", err)
	}

	op, err := telemetry.Start(ctx, d.tracer, "deploy", plan(routed, req.Probe.Skip))
	if err != nil {
		return res, err
	}
	err = d.run(op, req, priv, &res, log)
	op.End(err)
	return res, err
}

func plan(routed, skipProbe bool) []telemetry.Step {
	var steps []telemetry.Step
	if routed {
		steps = append(steps, telemetry.Step{ID: StepProxy.String(), Title: "reconcile proxy"})
	}
	steps = append(steps,
		telemetry.Step{ID: StepPorts.String(), Title: "resolve ports"},
		telemetry.Step{ID: StepRouting.String(), Title: "build routing labels"},
		telemetry.Step{ID: StepContainer.String(), Title: "replace container"},
		telemetry.Step{ID: StepPersist.String(), Title: "persist restart unit"},
	)
	if routed && !skipProbe {
		steps = append(steps, telemetry.Step{ID: StepProbe.String(), Title: "probe domain"})
	}
	return steps
}

func (d *Deployer) run(op *telemetry.Operation, req config.Request, priv host.Privilege, res *Result, log *slog.Logger) error {
	name := res.ContainerName
	routed := res.RoutingRuleApplied
	var proxyCfg proxy.Config

	if routed {
		err := step(op, StepProxy, func(ctx context.Context) error {
			cfg, err := d.proxyConfig(ctx, req, priv)
			if err != nil {
				return err
			}
			proxyCfg = cfg
			ensured, err := d.ensureProxy(ctx, cfg, priv)
			if err != nil {
				return err
			}
			res.Proxy = &ensured.Outcome
			res.ProxyUnitPath = ensured.UnitPath
			res.Warnings = append(res.Warnings, ensured.Warnings...)
			telemetry.Annotate(ctx, attribute.String(telemetry.StepOutcomeKey, ensured.Outcome.State.String()))
			return nil
		})
		if err != nil {
			return err
		}
	}

	routerName := routing.RouterName(name)
	err := step(op, StepPorts, func(ctx context.Context) error {
		fallbacks, err := d.envPortFallbacks(ctx, req.EnvFilePath)
		if err != nil {
			res.warn(log, "env file port fallbacks unavailable", err)
		}
		port, err := d.resolver.ContainerPort(ctx, ports.ContainerPortInput{
			Explicit:      req.Ports.Container,
			ProxyEnabled:  routed,
			RouterName:    routerName,
			ContainerName: name,
			EnvFallbacks:  fallbacks,
		})
		if err != nil {
			return fmt.Errorf("resolve container port: %w", err)
		}
		res.ResolvedContainerPort = port
		if routed {
			return nil
		}

		cacheFile, err := host.ExpandHome(ctx, d.host, req.PortCacheFile())
		if err != nil {
			return err
		}
		a, err := d.resolver.HostPort(ctx, ports.HostPortInput{
			Explicit:      req.Ports.Host,
			ContainerName: name,
			ContainerPort: port,
			CacheFile:     cacheFile,
		})
		if err != nil {
			return fmt.Errorf("resolve host port: %w", err)
		}
		res.ResolvedHostPort = a.HostPort
		res.HostPortSource = a.Source
		telemetry.Annotate(ctx, attribute.String("podhost.host_port_source", a.Source.String()))
		return nil
	})
	if err != nil {
		return err
	}

	var labels routing.Labels
	err = step(op, StepRouting, func(context.Context) error {
		if !routed {
			return nil
		}
		rule, err := routing.Build(routing.Input{
			RouterName:  routerName,
			Domain:      req.Domain,
			Aliases:     req.Aliases,
			IncludeWWW:  req.IncludeWWW,
			Hosts:       req.Hosts,
			ACME:        req.ACMEEnabled,
			Resolver:    proxyCfg.ACME.Resolver,
			ServicePort: res.ResolvedContainerPort,
			Network:     req.NetworkName,
		})
		if err != nil {
			return fmt.Errorf("build routing rule: %w", err)
		}
		res.Hosts = rule.Hosts
		labels = rule.Labels()
		return nil
	})
	if err != nil {
		return err
	}

	var spec engine.RunSpec
	err = step(op, StepContainer, func(ctx context.Context) error {
		s, err := d.appSpec(ctx, req, *res, labels)
		if err != nil {
			return err
		}
		spec = s
		return d.replaceContainer(ctx, spec)
	})
	if err != nil {
		return err
	}

	_ = step(op, StepPersist, func(ctx context.Context) error {
		unit := quadlet.FromRunSpec(spec)
		unit.Description = "podhost application " + name
		written, err := d.units.Write(ctx, unit)
		if err != nil {
			res.warn(log, "application will not survive a reboot", err)
			return err
		}
		res.UnitPath = written.Path
		for _, l := range written.Omitted {
			res.Warnings = append(res.Warnings, "resource limit "+l+" omitted from the unit: controller not delegated")
		}
		return nil
	})

	if !routed || req.Probe.Skip {
		return nil
	}
	return step(op, StepProbe, func(ctx context.Context) error {
		pr := d.prober.Domain(ctx, probe.DomainInput{
			Domain:       res.Hosts[0],
			Path:         req.Probe.Path,
			ACME:         req.ACMEEnabled,
			HTTPFallback: req.Probe.HTTPFallback,
			Attempts:     req.Probe.Attempts,
			Interval:     req.Probe.Interval,
			Address:      req.Probe.Address,
		})
		res.Probe = &pr
		if pr.OK {
			return nil
		}

		diag, err := d.prober.Diagnose(ctx, probe.DiagnoseInput{Proxy: proxyCfg.Name, Target: name, Expected: labels})
		if err != nil {
			log.Warn("collect diagnostics", "err", err)
		} else {
			res.Diagnostics = &diag
		}
		if req.Probe.Required {
			return pr.Err()
		}
		res.warn(log, "domain probe failed", pr.Err())
		return nil
	})
}

// appSpec assembles the application container definition. Routed
// containers join the proxy network and publish nothing.
func (d *Deployer) appSpec(ctx context.Context, req config.Request, res Result, labels routing.Labels) (engine.RunSpec, error) {
	envFile, err := host.ExpandHome(ctx, d.host, req.EnvFilePath)
	if err != nil {
		return engine.RunSpec{}, err
	}
	spec := engine.RunSpec{
		Name:    res.ContainerName,
		Image:   req.ImageRef,
		EnvFile: envFile,
		Volumes: req.Volumes,
		Limits:  req.EngineLimits(),
		Restart: "always",
		Pull:    "never",
		Command: req.Command,
	}
	if res.RoutingRuleApplied {
		spec.Network = req.NetworkName
		spec.Labels = labels.Pairs()
	} else {
		spec.Publish = []engine.PortMapping{{HostPort: res.ResolvedHostPort, ContainerPort: res.ResolvedContainerPort}}
	}
	return spec, nil
}

// replaceContainer pulls first so a failed pull leaves the running
// container untouched, then stops and removes the old instance.
func (d *Deployer) replaceContainer(ctx context.Context, spec engine.RunSpec) error {
	log := slog.With("component", "deploy", "container", spec.Name)

	if err := d.engine.Pull(ctx, spec.Image); err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	if spec.Network != "" && spec.Network != engine.HostNetwork {
		if err := d.engine.EnsureNetwork(ctx, spec.Network); err != nil {
			return fmt.Errorf("ensure network: %w", err)
		}
	}

	old, err := d.engine.Inspect(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("inspect container: %w", err)
	}
	if old.Exists() {
		if old.Running() {
			if err := d.engine.Stop(ctx, spec.Name); err != nil {
				log.Warn("stop old container", "err", err)
			}
		}
		if err := d.engine.Remove(ctx, spec.Name, true); err != nil {
			return fmt.Errorf("remove old container: %w", err)
		}
	}

	id, err := engine.RunWithCleanup(ctx, d.engine, spec)
	if err != nil {
		return fmt.Errorf("run container: %w", err)
	}
	log.Info("container started", "id", id, "image", spec.Image)
	return nil
}

func step(op *telemetry.Operation, s Step, fn func(context.Context) error) error {
	err := op.Step(s.String(), fn)
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return err
	}
	return &StepError{Step: s, Err: err}
}
