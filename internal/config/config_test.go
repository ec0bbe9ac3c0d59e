package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"podhost/internal/probe"
	"podhost/internal/proxy"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadRequest(t *testing.T) {
	p := writeFile(t, "deploy.yaml", `
slug: shop
environment: production
image_ref: ghcr.io/acme/shop:1.4.2
domain: shop.example.com
aliases: [shop.example.net]
include_www: true
acme_enabled: true
acme_email: ops@example.com
resource_limits:
  cpus: "0.5"
  memory: 512m
probe:
  interval: 2s
  required: true
proxy:
  dns_servers: [1.1.1.1, 9.9.9.9]
`)
	req, err := Load(p)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if req.ContainerName != "shop-production" {
		t.Fatalf("ContainerName = %q, want shop-production", req.ContainerName)
	}
	if req.NetworkName != proxy.DefaultNetwork || req.Proxy.Name != proxy.DefaultName {
		t.Fatalf("defaults not applied: network=%q proxy=%q", req.NetworkName, req.Proxy.Name)
	}
	if req.Probe.Interval != 2*time.Second || req.Probe.Attempts != probe.DefaultAttempts || !req.Probe.Required {
		t.Fatalf("Probe = %+v", req.Probe)
	}
	if got := req.PortCacheFile(); got != DefaultPortCacheDir+"/shop-production.port" {
		t.Fatalf("PortCacheFile() = %q", got)
	}
	if diff := cmp.Diff([]string{"shop.example.net"}, req.Aliases); diff != "" {
		t.Fatalf("Aliases mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	p := writeFile(t, "deploy.yaml", "image_ref: nginx\nimage: typo\n")
	if _, err := Load(p); err == nil {
		t.Fatal("Load() error = nil, want unknown field error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load(missing) error = %v, want not exist", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{name: "missing image", req: Request{ContainerName: "web"}, want: "image_ref"},
		{name: "missing name", req: Request{ImageRef: "nginx"}, want: "container_name"},
		{name: "bad container port", req: Request{ImageRef: "nginx", ContainerName: "web", Ports: Ports{Container: "http"}}, want: "ports.container"},
		{name: "host port with domain", req: Request{ImageRef: "nginx", ContainerName: "web", Domain: "a.test", Ports: Ports{Host: "9000"}}, want: "cannot be combined"},
		{name: "acme without domain", req: Request{ImageRef: "nginx", ContainerName: "web", ACMEEnabled: true, ACMEEmail: "a@b.c"}, want: "requires a domain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() error = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestACMEWithoutEmailIsWarning(t *testing.T) {
	req := Request{ImageRef: "nginx", ContainerName: "web", Domain: "a.test", ACMEEnabled: true}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil without acme_email", err)
	}
	if w := req.Warnings(); len(w) != 1 || !strings.Contains(w[0], "acme_email") {
		t.Fatalf("Warnings() = %v, want one acme_email warning", w)
	}
	req.ACMEEmail = "ops@a.test"
	if w := req.Warnings(); len(w) != 0 {
		t.Fatalf("Warnings() = %v, want none", w)
	}
}

func TestProxyConfig(t *testing.T) {
	req := Request{ImageRef: "nginx", ContainerName: "web", Domain: "a.test", ACMEEnabled: true, ACMEEmail: "ops@a.test"}
	req.ApplyDefaults()

	cfg := req.ProxyConfig(1000, false)
	if cfg.SocketPath != "/run/user/1000/podman/podman.sock" {
		t.Fatalf("SocketPath = %q", cfg.SocketPath)
	}
	if cfg.ImageRef() != proxy.DefaultImage+":"+proxy.DefaultVersion {
		t.Fatalf("ImageRef() = %q", cfg.ImageRef())
	}
	if !cfg.ACME.Enabled || cfg.ACME.Storage != DefaultACMEStorage || cfg.HTTPPort != 80 {
		t.Fatalf("ProxyConfig() = %+v", cfg)
	}
	if root := req.ProxyConfig(0, true); root.SocketPath != "/run/podman/podman.sock" {
		t.Fatalf("root SocketPath = %q", root.SocketPath)
	}
}

func TestContextsRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "podhost", "contexts.yaml")
	c, err := LoadContexts(p)
	if err != nil {
		t.Fatalf("LoadContexts() error = %v", err)
	}
	c.Set("prod", Context{Host: "deploy@prod.example.com", SSHPort: 2222})
	if err := c.Use("prod"); err != nil {
		t.Fatalf("Use() error = %v", err)
	}
	if err := c.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	again, err := LoadContexts(p)
	if err != nil {
		t.Fatalf("LoadContexts() error = %v", err)
	}
	name, ctx, ok := again.Current()
	if !ok || name != "prod" || ctx.SSHPort != 2222 {
		t.Fatalf("Current() = %q %+v %v", name, ctx, ok)
	}
	if err := again.Remove("prod"); err != nil || again.CurrentContext != "" {
		t.Fatalf("Remove() error = %v current = %q", err, again.CurrentContext)
	}
	if err := again.Use("prod"); err == nil {
		t.Fatal("Use() of removed context succeeded")
	}
}

func TestContextsResolve(t *testing.T) {
	c := &Contexts{CurrentContext: "prod", Contexts: map[string]Context{
		"prod":    {Host: "deploy@prod"},
		"staging": {Host: "deploy@staging", SSHKey: "/keys/staging"},
	}}

	t.Setenv(EnvHost, "")
	t.Setenv(EnvSSHKey, "/keys/env")

	got, err := c.Resolve("", Context{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if diff := cmp.Diff(Context{Host: "deploy@prod", SSHKey: "/keys/env"}, got); diff != "" {
		t.Fatalf("Resolve(current) mismatch (-want +got):\n%s", diff)
	}

	got, err = c.Resolve("", Context{Host: "root@flag"})
	if err != nil || got.Host != "root@flag" {
		t.Fatalf("Resolve(flag) = %+v, %v", got, err)
	}

	t.Setenv(EnvHost, "root@env")
	got, err = c.Resolve("staging", Context{})
	if err != nil || got.Host != "root@env" {
		t.Fatalf("Resolve(env) = %+v, %v", got, err)
	}

	t.Setenv(EnvHost, "")
	t.Setenv(EnvSSHKey, "")
	got, err = c.Resolve("staging", Context{})
	if err != nil || got.SSHKey != "/keys/staging" {
		t.Fatalf("Resolve(named) = %+v, %v", got, err)
	}
	if _, err := c.Resolve("nope", Context{}); err == nil {
		t.Fatal("Resolve(unknown) error = nil")
	}
}
