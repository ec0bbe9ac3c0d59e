package ports_test

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"pgregory.net/rapid"

	"podhost/internal/adapter/fake"
	"podhost/internal/engine"
	"podhost/internal/ports"
)

const cacheFile = "/home/deploy/.local/state/podhost/ports/web-production"

func TestContainerPortExplicitAlwaysWins(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := rapid.IntRange(1, 65535).Draw(t, "port")
		labelPort := rapid.IntRange(1, 65535).Draw(t, "label")
		proxy := rapid.Bool().Draw(t, "proxy")

		eng := fake.NewEngine()
		eng.Put(engine.Container{
			Name:   "web",
			Labels: map[string]string{ports.ServicePortLabel("web"): strconv.Itoa(labelPort)},
		})
		r := ports.NewResolver(eng, fake.NewHost())

		got, err := r.ContainerPort(context.Background(), ports.ContainerPortInput{
			Explicit:      strconv.Itoa(p),
			ProxyEnabled:  proxy,
			RouterName:    "web",
			ContainerName: "web",
			EnvFallbacks:  []string{"3000"},
		})
		if err != nil {
			t.Fatalf("ContainerPort() error = %v", err)
		}
		if got != p {
			t.Fatalf("ContainerPort() = %d, want %d", got, p)
		}
	})
}

func TestContainerPortPrecedence(t *testing.T) {
	eng := fake.NewEngine()
	eng.Put(engine.Container{
		Name:   "web",
		Labels: map[string]string{ports.ServicePortLabel("web"): "9000"},
	})
	r := ports.NewResolver(eng, fake.NewHost())
	ctx := context.Background()

	tests := []struct {
		name string
		in   ports.ContainerPortInput
		want int
	}{
		{"existing label when proxied", ports.ContainerPortInput{ProxyEnabled: true, RouterName: "web", ContainerName: "web", EnvFallbacks: []string{"3000"}}, 9000},
		{"label ignored without proxy", ports.ContainerPortInput{RouterName: "web", ContainerName: "web", EnvFallbacks: []string{"3000"}}, 3000},
		{"first non-empty fallback", ports.ContainerPortInput{ContainerName: "api", EnvFallbacks: []string{"", " 4000 "}}, 4000},
		{"default", ports.ContainerPortInput{ContainerName: "api"}, ports.DefaultPort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ContainerPort(ctx, tt.in)
			if err != nil {
				t.Fatalf("ContainerPort() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ContainerPort() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestContainerPortInvalid(t *testing.T) {
	r := ports.NewResolver(fake.NewEngine(), fake.NewHost())
	for _, raw := range []string{"http", "0", "65536", "-1"} {
		_, err := r.ContainerPort(context.Background(), ports.ContainerPortInput{Explicit: raw})
		if !errors.Is(err, ports.ErrInvalidPort) {
			t.Fatalf("ContainerPort(%q) error = %v, want ErrInvalidPort", raw, err)
		}
	}
}

func TestHostPortBoundDefaultProbesUpward(t *testing.T) {
	h := fake.NewHost()
	h.Listen(8080)
	r := ports.NewResolver(fake.NewEngine(), h)

	a, err := r.HostPort(context.Background(), ports.HostPortInput{ContainerName: "web", ContainerPort: 3000, CacheFile: cacheFile})
	if err != nil {
		t.Fatalf("HostPort() error = %v", err)
	}
	if a.HostPort < 8081 || a.Source != ports.SourceAuto {
		t.Fatalf("HostPort() = %+v, want >= 8081 from auto", a)
	}
	data, ok := h.File(cacheFile)
	if !ok || string(data) != strconv.Itoa(a.HostPort)+"\n" {
		t.Fatalf("cache file = %q, want %d", data, a.HostPort)
	}
}

func TestHostPortBoundExplicitProbesUpward(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bound := rapid.IntRange(1, 20).Draw(t, "bound")
		h := fake.NewHost()
		for p := 8080; p < 8080+bound; p++ {
			h.Listen(p)
		}
		r := ports.NewResolver(fake.NewEngine(), h)

		a, err := r.HostPort(context.Background(), ports.HostPortInput{Explicit: "8080", ContainerName: "web", ContainerPort: 80})
		if err != nil {
			t.Fatalf("HostPort() error = %v", err)
		}
		if a.HostPort != 8080+bound || a.Source != ports.SourceAuto {
			t.Fatalf("HostPort() = %+v, want %d from auto", a, 8080+bound)
		}
	})
}

func TestHostPortPrecedence(t *testing.T) {
	ctx := context.Background()

	t.Run("existing mapping kept even though bound by itself", func(t *testing.T) {
		eng := fake.NewEngine()
		eng.Put(engine.Container{Name: "web", Ports: map[int][]int{3000: {8090}}})
		h := fake.NewHost()
		h.Listen(8090)
		h.SetFile(cacheFile, []byte("8085\n"), 0o644)

		a, err := ports.NewResolver(eng, h).HostPort(ctx, ports.HostPortInput{ContainerName: "web", ContainerPort: 3000, CacheFile: cacheFile})
		if err != nil {
			t.Fatalf("HostPort() error = %v", err)
		}
		if a.HostPort != 8090 || a.Source != ports.SourceExisting {
			t.Fatalf("HostPort() = %+v, want 8090 existing", a)
		}
	})

	t.Run("cache file", func(t *testing.T) {
		h := fake.NewHost()
		h.SetFile(cacheFile, []byte("8085\n"), 0o644)

		a, err := ports.NewResolver(fake.NewEngine(), h).HostPort(ctx, ports.HostPortInput{ContainerName: "web", ContainerPort: 3000, CacheFile: cacheFile})
		if err != nil {
			t.Fatalf("HostPort() error = %v", err)
		}
		if a.HostPort != 8085 || a.Source != ports.SourceFile {
			t.Fatalf("HostPort() = %+v, want 8085 file", a)
		}
	})

	t.Run("invalid cache discarded", func(t *testing.T) {
		h := fake.NewHost()
		h.SetFile(cacheFile, []byte("eighty\n"), 0o644)

		a, err := ports.NewResolver(fake.NewEngine(), h).HostPort(ctx, ports.HostPortInput{ContainerName: "web", ContainerPort: 3000, CacheFile: cacheFile})
		if err != nil {
			t.Fatalf("HostPort() error = %v", err)
		}
		if a.HostPort != ports.DefaultPort || a.Source != ports.SourceDefault {
			t.Fatalf("HostPort() = %+v, want default", a)
		}
		if data, _ := h.File(cacheFile); string(data) != "8080\n" {
			t.Fatalf("cache file = %q, want rewritten 8080", data)
		}
	})

	t.Run("explicit port is not cached", func(t *testing.T) {
		h := fake.NewHost()
		a, err := ports.NewResolver(fake.NewEngine(), h).HostPort(ctx, ports.HostPortInput{Explicit: "9100", ContainerName: "web", ContainerPort: 3000, CacheFile: cacheFile})
		if err != nil {
			t.Fatalf("HostPort() error = %v", err)
		}
		if a.HostPort != 9100 || a.Source != ports.SourceInput {
			t.Fatalf("HostPort() = %+v, want 9100 input", a)
		}
		if _, ok := h.File(cacheFile); ok {
			t.Fatal("explicit host port was written to the cache file")
		}
	})
}

func TestHostPortExhausted(t *testing.T) {
	h := fake.NewHost()
	for p := 65530; p <= 65535; p++ {
		h.Listen(p)
	}
	r := ports.NewResolver(fake.NewEngine(), h)
	_, err := r.HostPort(context.Background(), ports.HostPortInput{Explicit: "65530", ContainerName: "web", ContainerPort: 80})
	if !errors.Is(err, ports.ErrPortExhausted) {
		t.Fatalf("HostPort() error = %v, want ErrPortExhausted", err)
	}

	h = fake.NewHost()
	h.Listen(8080, 8081, 8082)
	r = ports.NewResolver(fake.NewEngine(), h, ports.WithProbeLimit(2))
	_, err = r.HostPort(context.Background(), ports.HostPortInput{ContainerName: "web", ContainerPort: 80})
	if !errors.Is(err, ports.ErrPortExhausted) {
		t.Fatalf("HostPort() with limit 2 error = %v, want ErrPortExhausted", err)
	}
}
