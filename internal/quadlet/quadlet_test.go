package quadlet

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/google/go-cmp/cmp"

	"podhost/internal/adapter/fake"
	"podhost/internal/engine"
	"podhost/internal/host"
	"podhost/internal/routing"
)

func options(t *testing.T, data []byte, section, name string) []string {
	t.Helper()
	opts, err := unit.DeserializeOptions(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DeserializeOptions() error = %v\n%s", err, data)
	}
	var out []string
	for _, o := range opts {
		if o.Section == section && o.Name == name {
			out = append(out, o.Value)
		}
	}
	return out
}

func routedSpec(t *testing.T) engine.RunSpec {
	t.Helper()
	rule, err := routing.Build(routing.Input{
		RouterName:  "web-production",
		Domain:      "example.com",
		Aliases:     []string{"api.example.com"},
		IncludeWWW:  true,
		ACME:        true,
		ServicePort: 3000,
		Network:     "podhost",
	})
	if err != nil {
		t.Fatalf("routing.Build() error = %v", err)
	}
	return engine.RunSpec{
		Name:    "web-production",
		Image:   "ghcr.io/acme/web:1.4.2",
		Network: "podhost",
		Labels:  rule.Labels().Pairs(),
		EnvFile: "/home/deploy/.config/podhost/web-production.env",
		Volumes: []string{"/srv/web:/data:Z"},
		Limits:  engine.Limits{CPUs: "1", Memory: "256m"},
	}
}

func TestRenderLabelsMatchLiveRun(t *testing.T) {
	spec := routedSpec(t)
	args, err := spec.Args()
	if err != nil {
		t.Fatalf("Args() error = %v", err)
	}
	var live []string
	for i := 0; i < len(args)-1; i++ {
		if args[i] == "--label" {
			live = append(live, args[i+1])
		}
	}

	data, err := Render(FromRunSpec(spec))
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	var persisted []string
	for _, v := range options(t, data, "Container", "Label") {
		s, err := strconv.Unquote(v)
		if err != nil {
			t.Fatalf("Label value %s is not quoted: %v", v, err)
		}
		persisted = append(persisted, s)
	}
	if diff := cmp.Diff(live, persisted); diff != "" {
		t.Fatalf("unit labels differ from run labels (-run +unit):\n%s", diff)
	}
}

func TestRenderContainerSection(t *testing.T) {
	u := FromRunSpec(routedSpec(t))
	data, err := Render(u)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	checks := map[string][]string{
		"Image":           {"ghcr.io/acme/web:1.4.2"},
		"Pull":            {"never"},
		"Network":         {"podhost"},
		"EnvironmentFile": {"/home/deploy/.config/podhost/web-production.env"},
		"Volume":          {"/srv/web:/data:Z"},
		"PodmanArgs":      {"--cpus=1 --memory=256m"},
	}
	for name, want := range checks {
		if diff := cmp.Diff(want, options(t, data, "Container", name)); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", name, diff)
		}
	}
	if got := options(t, data, "Container", "PublishPort"); len(got) != 0 {
		t.Fatalf("routed unit publishes ports: %v", got)
	}
	if diff := cmp.Diff([]string{"default.target"}, options(t, data, "Install", "WantedBy")); diff != "" {
		t.Fatalf("WantedBy mismatch:\n%s", diff)
	}
}

func TestRenderPublishAndHostNetwork(t *testing.T) {
	u := Unit{Name: "api", Image: "api:1", Network: "podhost", Publish: []engine.PortMapping{{HostPort: 8081, ContainerPort: 8080}}}
	data, err := Render(u)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if diff := cmp.Diff([]string{"8081:8080"}, options(t, data, "Container", "PublishPort")); diff != "" {
		t.Fatalf("PublishPort mismatch:\n%s", diff)
	}

	u.Network = engine.HostNetwork
	data, err = Render(u)
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got := options(t, data, "Container", "PublishPort"); len(got) != 0 {
		t.Fatalf("host network unit publishes ports: %v", got)
	}
}

func TestRenderRejectsBadName(t *testing.T) {
	if _, err := Render(Unit{Name: "../etc", Image: "x"}); err == nil {
		t.Fatal("Render() accepted a path-like name")
	}
}

func TestQuoteEscapesSpecifiers(t *testing.T) {
	if got := quote(`a=50%"x"`); got != `"a=50%%\"x\""` {
		t.Fatalf("quote() = %s", got)
	}
}

func TestWriteRootlessWithoutControllers(t *testing.T) {
	ctx := context.Background()
	h := fake.NewHost()
	eng := fake.NewEngine()
	eng.Put(engine.Container{Name: "web-production"})

	res, err := NewGenerator(h, eng).Write(ctx, FromRunSpec(routedSpec(t)))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if res.Path != "/home/deploy/.config/containers/systemd/web-production.container" {
		t.Fatalf("Path = %q", res.Path)
	}
	if diff := cmp.Diff([]string{"cpus", "memory"}, res.Omitted); diff != "" {
		t.Fatalf("Omitted mismatch (-want +got):\n%s", diff)
	}
	data, _ := h.File(res.Path)
	if got := options(t, data, "Container", "PodmanArgs"); len(got) != 0 {
		t.Fatalf("unit kept unenforceable limits: %v", got)
	}
	if res.Started {
		t.Fatal("Write() started the unit while the container was running")
	}
	want := []string{
		"systemctl --user daemon-reload",
		"systemctl --user is-active web-production.service",
	}
	if diff := cmp.Diff(want, h.Commands()); diff != "" {
		t.Fatalf("commands mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteStartsWhenNothingRuns(t *testing.T) {
	ctx := context.Background()
	h := fake.NewHost()
	h.SetFile("/sys/fs/cgroup/user.slice/user-1000.slice/user@1000.service/cgroup.controllers", []byte("cpu memory pids\n"), 0o444)
	h.SetCommand("systemctl --user is-active web-production.service", fake.CommandResult{Stdout: "inactive\n", Exit: 3})

	res, err := NewGenerator(h, fake.NewEngine()).Write(ctx, FromRunSpec(routedSpec(t)))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(res.Omitted) != 0 || !res.Started {
		t.Fatalf("Write() = %+v, want all limits kept and unit started", res)
	}
	cmds := h.Commands()
	if last := cmds[len(cmds)-1]; last != "systemctl --user start web-production.service" {
		t.Fatalf("last command = %q", last)
	}
}

func TestWriteActiveServiceNotRestarted(t *testing.T) {
	h := fake.NewHost()
	h.SetCommand("systemctl --user is-active api.service", fake.CommandResult{Stdout: "active\n"})
	eng := fake.NewEngine()

	res, err := NewGenerator(h, eng).Write(context.Background(), Unit{Name: "api", Image: "api:1"})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if res.Started || len(eng.Calls("Inspect")) != 0 {
		t.Fatalf("Write() = %+v, inspected %d times; want no start", res, len(eng.Calls("Inspect")))
	}
}

func TestWriteRootUsesSystemDir(t *testing.T) {
	h := fake.NewHost()
	h.SetPrivilege(host.Privilege{UID: 0, Root: true, UnprivilegedPortStart: 1024})

	res, err := NewGenerator(h, fake.NewEngine()).Write(context.Background(), Unit{Name: "api", Image: "api:1", Limits: engine.Limits{PIDs: 100}})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if res.Path != "/etc/containers/systemd/api.container" || len(res.Omitted) != 0 {
		t.Fatalf("Write() = %+v", res)
	}
	for _, c := range h.Commands() {
		if strings.Contains(c, "--user") {
			t.Fatalf("root unit used user manager: %q", c)
		}
	}
}

func TestWriteFailureIsPersistenceError(t *testing.T) {
	h := fake.NewHost()
	h.Faults.FailAlways("WriteFile", errors.New("read-only file system"))

	_, err := NewGenerator(h, fake.NewEngine()).Write(context.Background(), Unit{Name: "api", Image: "api:1"})
	if !errors.Is(err, ErrPersistenceWriteFailed) {
		t.Fatalf("Write() error = %v, want ErrPersistenceWriteFailed", err)
	}

	h = fake.NewHost()
	h.SetCommand("systemctl --user daemon-reload", fake.CommandResult{Stderr: "Failed to connect to bus", Exit: 1})
	_, err = NewGenerator(h, fake.NewEngine()).Write(context.Background(), Unit{Name: "api", Image: "api:1"})
	if !errors.Is(err, ErrPersistenceWriteFailed) {
		t.Fatalf("Write() error = %v, want ErrPersistenceWriteFailed on reload failure", err)
	}
}
