package routing

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"
)

func TestHostListIncludeWWW(t *testing.T) {
	got := HostList(Input{Domain: "example.com", IncludeWWW: true})
	want := []string{"example.com", "www.example.com"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("HostList() mismatch (-want +got):\n%s", diff)
	}
}

func TestHostListCases(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want []string
	}{
		{
			name: "aliases keep order and dedupe",
			in:   Input{Domain: "Example.com.", Aliases: []string{"api.example.com, example.com", "docs.example.com"}},
			want: []string{"example.com", "api.example.com", "docs.example.com"},
		},
		{
			name: "www primary adds apex",
			in:   Input{Domain: "www.example.com", IncludeWWW: true},
			want: []string{"www.example.com", "example.com"},
		},
		{
			name: "www already listed as alias",
			in:   Input{Domain: "example.com", Aliases: []string{"www.example.com"}, IncludeWWW: true},
			want: []string{"example.com", "www.example.com"},
		},
		{
			name: "explicit hosts replace the rest",
			in:   Input{Domain: "example.com", IncludeWWW: true, Hosts: []string{" b.example.com ,a.example.com", "", "b.example.com"}},
			want: []string{"b.example.com", "a.example.com"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, HostList(tt.in)); diff != "" {
				t.Fatalf("HostList() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHostListNoDuplicatesPrimaryFirst(t *testing.T) {
	label := rapid.StringMatching(`[a-z]{1,4}`)
	rapid.Check(t, func(t *rapid.T) {
		primary := label.Draw(t, "primary") + ".test"
		if rapid.Bool().Draw(t, "www") {
			primary = "www." + primary
		}
		var aliases []string
		for _, a := range rapid.SliceOfN(label, 0, 6).Draw(t, "aliases") {
			aliases = append(aliases, a+".test")
		}
		if rapid.Bool().Draw(t, "repeat") {
			aliases = append(aliases, strings.ToUpper(primary))
		}

		hosts := HostList(Input{Domain: primary, Aliases: aliases, IncludeWWW: rapid.Bool().Draw(t, "include")})
		if len(hosts) == 0 || hosts[0] != primary {
			t.Fatalf("HostList() = %v, want %q first", hosts, primary)
		}
		seen := map[string]bool{}
		for _, h := range hosts {
			if seen[h] {
				t.Fatalf("HostList() = %v, duplicate %q", hosts, h)
			}
			seen[h] = true
		}
	})
}

func TestBuildACME(t *testing.T) {
	r, err := Build(Input{RouterName: "web-production", Domain: "example.com", IncludeWWW: true, ACME: true, ServicePort: 3000, Network: "podhost"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	m := r.Labels().Map()
	want := map[string]string{
		"traefik.http.routers.web-production.rule":                         "Host(`example.com`) || Host(`www.example.com`)",
		"traefik.http.routers.web-production.entrypoints":                  "websecure",
		"traefik.http.routers.web-production.tls":                          "true",
		"traefik.http.routers.web-production.tls.certresolver":             "letsencrypt",
		"traefik.http.routers.web-production-http.entrypoints":             "web",
		"traefik.http.routers.web-production-http.middlewares":             "redirect-to-https",
		"traefik.http.middlewares.redirect-to-https.redirectscheme.scheme": "https",
		"traefik.http.services.web-production.loadbalancer.server.port":    "3000",
		"traefik.docker.network":                                           "podhost",
	}
	for k, v := range want {
		if m[k] != v {
			t.Fatalf("label %s = %q, want %q", k, m[k], v)
		}
	}
}

func TestBuildWithoutACME(t *testing.T) {
	r, err := Build(Input{RouterName: "web", Domain: "example.com", ServicePort: 8080})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if r.RedirectRouter() != "" {
		t.Fatalf("RedirectRouter() = %q, want none", r.RedirectRouter())
	}
	for _, l := range r.Labels() {
		if strings.Contains(l.Key, ".tls") || strings.Contains(l.Key, "redirect") || strings.Contains(l.Key, "-http.") {
			t.Fatalf("unexpected label %s with ACME disabled", l)
		}
	}
	if got := r.Labels().Map()["traefik.http.routers.web.entrypoints"]; got != EntryPointWeb {
		t.Fatalf("entrypoints = %q, want %q", got, EntryPointWeb)
	}
}

func TestBuildErrors(t *testing.T) {
	if _, err := Build(Input{RouterName: "web", ServicePort: 80}); !errors.Is(err, ErrNoHosts) {
		t.Fatalf("Build() without hosts error = %v, want ErrNoHosts", err)
	}
	if _, err := Build(Input{RouterName: "web", Domain: "example.com"}); err == nil {
		t.Fatal("Build() accepted service port 0")
	}
	if _, err := Build(Input{RouterName: "__", Domain: "example.com", ServicePort: 80}); err == nil {
		t.Fatal("Build() accepted an empty router name")
	}
}

func TestLabelsDeterministic(t *testing.T) {
	in := Input{RouterName: "Web_App", Domain: "example.com", Aliases: []string{"a.example.com"}, ACME: true, ServicePort: 80}
	a, _ := Build(in)
	b, _ := Build(in)
	if diff := cmp.Diff(a.Labels().Pairs(), b.Labels().Pairs()); diff != "" {
		t.Fatalf("Labels() not deterministic:\n%s", diff)
	}
	if a.RouterName != "web-app" {
		t.Fatalf("RouterName = %q, want web-app", a.RouterName)
	}
}
