// Package quadlet persists containers as Podman Quadlet units so systemd
// recreates them after a reboot without podhost running.
package quadlet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"
	mapset "github.com/deckarep/golang-set/v2"

	"podhost/internal/engine"
	"podhost/internal/host"
)

const (
	rootUnitDir     = "/etc/containers/systemd"
	rootlessUnitDir = ".config/containers/systemd"
)

var ErrPersistenceWriteFailed = errors.New("persist unit failed")

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Unit mirrors every argument of the live run.
type Unit struct {
	Name        string
	Description string
	Image       string
	EnvFile     string
	Network     string
	Publish     []engine.PortMapping
	// Labels are "key=value" pairs, the same slice passed to the live run.
	Labels  []string
	Volumes []string
	DNS     []string
	Limits  engine.Limits
	Command []string
}

// FromRunSpec derives the unit for a container started from spec.
func FromRunSpec(spec engine.RunSpec) Unit {
	return Unit{
		Name:    spec.Name,
		Image:   spec.Image,
		EnvFile: spec.EnvFile,
		Network: spec.Network,
		Publish: spec.Publish,
		Labels:  spec.Labels,
		Volumes: spec.Volumes,
		DNS:     spec.DNS,
		Limits:  spec.Limits,
		Command: spec.Command,
	}
}

// FileName is the unit file name; systemd exposes it as <Name>.service.
func (u Unit) FileName() string { return u.Name + ".container" }

func (u Unit) ServiceName() string { return u.Name + ".service" }

// Render serializes the unit. The image is never pulled on restart because
// registry credentials may be unavailable after a reboot.
func Render(u Unit) ([]byte, error) {
	if !validName.MatchString(u.Name) {
		return nil, fmt.Errorf("invalid unit name %q", u.Name)
	}
	if strings.TrimSpace(u.Image) == "" {
		return nil, fmt.Errorf("unit %q: image is required", u.Name)
	}

	desc := u.Description
	if desc == "" {
		desc = "podhost container " + u.Name
	}
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", desc),
		unit.NewUnitOption("Unit", "Wants", "network-online.target"),
		unit.NewUnitOption("Unit", "After", "network-online.target"),

		unit.NewUnitOption("Container", "Image", u.Image),
		unit.NewUnitOption("Container", "ContainerName", u.Name),
		unit.NewUnitOption("Container", "Pull", "never"),
	}
	add := func(name, value string) {
		opts = append(opts, unit.NewUnitOption("Container", name, value))
	}
	if u.EnvFile != "" {
		add("EnvironmentFile", u.EnvFile)
	}
	if u.Network != "" {
		add("Network", u.Network)
	}
	if u.Network != engine.HostNetwork {
		for _, p := range u.Publish {
			add("PublishPort", p.String())
		}
	}
	for _, l := range u.Labels {
		add("Label", quote(l))
	}
	for _, v := range u.Volumes {
		add("Volume", v)
	}
	for _, d := range u.DNS {
		add("DNS", d)
	}
	if args := podmanArgs(u.Limits); args != "" {
		add("PodmanArgs", args)
	}
	if len(u.Command) > 0 {
		quoted := make([]string, len(u.Command))
		for i, a := range u.Command {
			quoted[i] = quote(a)
		}
		add("Exec", strings.Join(quoted, " "))
	}

	opts = append(opts,
		unit.NewUnitOption("Service", "Restart", "always"),
		unit.NewUnitOption("Service", "TimeoutStartSec", "900"),
		unit.NewUnitOption("Install", "WantedBy", "default.target"),
	)

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, unit.Serialize(opts)); err != nil {
		return nil, fmt.Errorf("serialize unit %q: %w", u.Name, err)
	}
	return buf.Bytes(), nil
}

// quote renders s as a systemd double-quoted word; % is escaped against
// specifier expansion.
func quote(s string) string {
	return strconv.Quote(strings.ReplaceAll(s, "%", "%%"))
}

func podmanArgs(l engine.Limits) string {
	var args []string
	if l.CPUs != "" {
		args = append(args, "--cpus="+l.CPUs)
	}
	if l.Memory != "" {
		args = append(args, "--memory="+l.Memory)
	}
	if l.PIDs > 0 {
		args = append(args, "--pids-limit="+strconv.Itoa(l.PIDs))
	}
	return strings.Join(args, " ")
}

// Host is the host surface the generator needs.
// Production: host.Host
// Testing: fake.Host
type Host interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, perm fs.FileMode) error
	Privilege(ctx context.Context) (host.Privilege, error)
	HomeDir(ctx context.Context) (string, error)
}

// Inspector reports whether the unit's container is already running.
// Production: *engine.Podman
// Testing: fake.Engine
type Inspector interface {
	Inspect(ctx context.Context, name string) (engine.Container, error)
}

// Result describes a written unit.
type Result struct {
	Path string
	// Omitted lists resource limits the host's cgroups cannot enforce.
	Omitted []string
	Started bool
}

// Generator writes units and hands them to systemd.
type Generator struct {
	host   Host
	engine Inspector
}

func NewGenerator(h Host, e Inspector) *Generator {
	return &Generator{host: h, engine: e}
}

func (g *Generator) dir(ctx context.Context, priv host.Privilege) (string, error) {
	if priv.Root {
		return rootUnitDir, nil
	}
	home, err := g.host.HomeDir(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return path.Join(home, rootlessUnitDir), nil
}

// Write renders u, installs it, reloads systemd and starts the service only
// when neither the service nor the container is already running. The unit
// is enabled through its [Install] section.
func (g *Generator) Write(ctx context.Context, u Unit) (Result, error) {
	log := slog.With("component", "quadlet", "unit", u.FileName())

	priv, err := g.host.Privilege(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read privilege: %w", ErrPersistenceWriteFailed, err)
	}
	dir, err := g.dir(ctx, priv)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrPersistenceWriteFailed, err)
	}

	var res Result
	u.Limits, res.Omitted = g.enforceable(ctx, priv, u.Limits)
	for _, name := range res.Omitted {
		log.Warn("resource limit omitted from unit, cgroup controller not delegated", "limit", name)
	}

	data, err := Render(u)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrPersistenceWriteFailed, err)
	}
	res.Path = path.Join(dir, u.FileName())
	if err := g.host.WriteFile(ctx, res.Path, data, 0o644); err != nil {
		return res, fmt.Errorf("%w: write %s: %w", ErrPersistenceWriteFailed, res.Path, err)
	}

	if _, err := g.systemctl(ctx, priv, "daemon-reload"); err != nil {
		return res, fmt.Errorf("%w: daemon-reload: %w", ErrPersistenceWriteFailed, err)
	}
	if g.serviceActive(ctx, priv, u.ServiceName()) {
		log.Debug("service already active, not starting")
		return res, nil
	}
	c, err := g.engine.Inspect(ctx, u.Name)
	if err != nil {
		return res, fmt.Errorf("%w: inspect %s: %w", ErrPersistenceWriteFailed, u.Name, err)
	}
	if c.Running() {
		log.Info("container already running, unit takes over on next boot")
		return res, nil
	}
	if _, err := g.systemctl(ctx, priv, "start", u.ServiceName()); err != nil {
		return res, fmt.Errorf("%w: start %s: %w", ErrPersistenceWriteFailed, u.ServiceName(), err)
	}
	res.Started = true
	log.Info("unit written and started", "path", res.Path)
	return res, nil
}

func (g *Generator) systemctl(ctx context.Context, priv host.Privilege, args ...string) (string, error) {
	if !priv.Root {
		args = append([]string{"--user"}, args...)
	}
	return g.host.Run(ctx, "systemctl", args...)
}

// serviceActive treats any is-active failure as inactive; is-active exits
// non-zero for every state but active.
func (g *Generator) serviceActive(ctx context.Context, priv host.Privilege, service string) bool {
	out, err := g.systemctl(ctx, priv, "is-active", service)
	return err == nil && strings.TrimSpace(out) == "active"
}

// enforceable drops the limits whose cgroup controller is unavailable.
func (g *Generator) enforceable(ctx context.Context, priv host.Privilege, l engine.Limits) (engine.Limits, []string) {
	if l.IsZero() {
		return l, nil
	}
	controllers, ok := g.controllers(ctx, priv)
	if !ok && priv.Root {
		return l, nil
	}

	var omitted []string
	if l.CPUs != "" && !controllers.Contains("cpu") {
		l.CPUs = ""
		omitted = append(omitted, "cpus")
	}
	if l.Memory != "" && !controllers.Contains("memory") {
		l.Memory = ""
		omitted = append(omitted, "memory")
	}
	if l.PIDs > 0 && !controllers.Contains("pids") {
		l.PIDs = 0
		omitted = append(omitted, "pids")
	}
	return l, omitted
}

// controllers reads the cgroup v2 controllers delegated to the user. ok is
// false when the file is unreadable, as under cgroup v1.
func (g *Generator) controllers(ctx context.Context, priv host.Privilege) (mapset.Set[string], bool) {
	file := "/sys/fs/cgroup/cgroup.controllers"
	if !priv.Root {
		file = fmt.Sprintf("/sys/fs/cgroup/user.slice/user-%d.slice/user@%d.service/cgroup.controllers", priv.UID, priv.UID)
	}
	data, err := g.host.ReadFile(ctx, file)
	if err != nil {
		slog.Debug("cgroup controllers unavailable", "component", "quadlet", "path", file, "err", err)
		return mapset.NewThreadUnsafeSet[string](), false
	}
	return mapset.NewThreadUnsafeSet(strings.Fields(string(data))...), true
}
