package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/miekg/dns"

	"podhost/internal/adapter/fake"
	"podhost/internal/engine"
	"podhost/internal/routing"
)

func noDNS(context.Context, string) ([]string, error) {
	return nil, errors.New("no such host")
}

func serverAddr(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func newProber() *Prober {
	return New(fake.NewHost(), fake.NewEngine(), WithLookup(noDNS))
}

func TestDomainEvery404IsRouteMismatch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	res := newProber().Domain(context.Background(), DomainInput{
		Domain:   "app.example.test",
		Attempts: 3,
		Interval: time.Millisecond,
		Address:  serverAddr(srv),
	})
	if res.OK {
		t.Fatal("Domain() succeeded on 404")
	}
	if res.Cause != CauseRouteMismatch {
		t.Fatalf("Cause = %v, want route_mismatch", res.Cause)
	}
	if strings.Contains(res.Hint, "firewall") || !strings.Contains(res.Hint, "404") {
		t.Fatalf("Hint = %q, want a route hint", res.Hint)
	}
	if res.Attempts != 3 || hits.Load() != 3 {
		t.Fatalf("attempts = %d hits = %d, want 3", res.Attempts, hits.Load())
	}
	if !errors.Is(res.Err(), ErrProbeFailed) {
		t.Fatalf("Err() = %v, want ErrProbeFailed", res.Err())
	}
}

func TestDomainFirstSuccessStopsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Host != "app.example.test" {
			t.Errorf("Host = %q, want app.example.test", r.Host)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res := newProber().Domain(context.Background(), DomainInput{
		Domain:   "app.example.test",
		Path:     "/healthz",
		Attempts: 10,
		Interval: time.Millisecond,
		Address:  serverAddr(srv),
	})
	if !res.OK || res.Status != http.StatusOK || res.Err() != nil {
		t.Fatalf("Domain() = %+v, want success", res)
	}
	if res.Attempts != 3 || hits.Load() != 3 {
		t.Fatalf("attempts = %d hits = %d, want 3", res.Attempts, hits.Load())
	}
	if res.URL != "http://app.example.test/healthz" {
		t.Fatalf("URL = %q", res.URL)
	}
}

func TestDomainRedirectCountsAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://app.example.test/", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	res := newProber().Domain(context.Background(), DomainInput{Domain: "app.example.test", Attempts: 5, Address: serverAddr(srv)})
	if !res.OK || res.Status != http.StatusMovedPermanently || res.Attempts != 1 {
		t.Fatalf("Domain() = %+v, want immediate 301 success", res)
	}
}

func TestDomainNoResponseIsFirewall(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	res := newProber().Domain(context.Background(), DomainInput{Domain: "app.example.test", Attempts: 2, Interval: time.Millisecond, Address: addr})
	if res.OK || res.Cause != CauseFirewall || res.Status != 0 {
		t.Fatalf("Domain() = %+v, want firewall cause", res)
	}
}

func TestDomainHTTPSFallsBackToHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	in := DomainInput{Domain: "app.example.test", ACME: true, Attempts: 2, Interval: time.Millisecond, Address: serverAddr(srv)}
	res := newProber().Domain(context.Background(), in)
	if res.OK {
		t.Fatalf("Domain() without fallback = %+v, want failure", res)
	}

	in.HTTPFallback = true
	res = newProber().Domain(context.Background(), in)
	if !res.OK || !strings.HasPrefix(res.URL, "http://") || res.Attempts != 3 {
		t.Fatalf("Domain() with fallback = %+v, want http success on attempt 3", res)
	}
}

func TestClassify(t *testing.T) {
	tests := map[int]Cause{0: CauseFirewall, 200: CauseNone, 308: CauseNone, 404: CauseRouteMismatch, 502: CauseGeneric}
	for status, want := range tests {
		if got := Classify(status); got != want {
			t.Fatalf("Classify(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestDNSResolver(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			if r.Question[0].Qtype == dns.TypeA {
				rr, _ := dns.NewRR(r.Question[0].Name + " 60 IN A 203.0.113.7")
				m.Answer = append(m.Answer, rr)
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = srv.ActivateAndServe() }()
	defer func() { _ = srv.Shutdown() }()
	<-started

	r, err := NewDNSResolver(pc.LocalAddr().String())
	if err != nil {
		t.Fatalf("NewDNSResolver() error = %v", err)
	}
	addrs, err := r.Lookup(context.Background(), "app.example.test")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if diff := cmp.Diff([]string{"203.0.113.7"}, addrs); diff != "" {
		t.Fatalf("Lookup() mismatch (-want +got):\n%s", diff)
	}
}

func TestPreflight(t *testing.T) {
	ctx := context.Background()
	const storage = "/home/deploy/.local/share/podhost/acme.json"

	h := fake.NewHost()
	h.Listen(80, 443)
	h.SetFile(storage, nil, 0o600)
	rep, err := New(h, fake.NewEngine()).Preflight(ctx, PreflightInput{ProxyName: "traefik", Ports: []int{80, 443}, ACMEStorage: storage})
	if err != nil {
		t.Fatalf("Preflight() error = %v", err)
	}
	if !rep.OK() {
		t.Fatalf("Preflight() failed: %+v", rep.Failed())
	}

	h = fake.NewHost()
	h.SetCommand("systemctl --user is-active traefik.socket", fake.CommandResult{Stdout: "active\n"})
	h.SetFile(storage, []byte("{}"), 0o644)
	rep, err = New(h, fake.NewEngine()).Preflight(ctx, PreflightInput{ProxyName: "traefik", Ports: []int{80, 443}, ACMEStorage: storage})
	if err != nil {
		t.Fatalf("Preflight() error = %v", err)
	}
	failed := rep.Failed()
	if len(failed) != 1 || failed[0].Name != "acme-storage" || !strings.Contains(failed[0].Remediation, "chmod 600") {
		t.Fatalf("Failed() = %+v, want only acme-storage with chmod remediation", failed)
	}
	if rep.Checks[0].Detail != "socket activation" {
		t.Fatalf("listener check = %+v, want socket activation", rep.Checks[0])
	}
}

func TestPreflightMissingStorageAndListener(t *testing.T) {
	h := fake.NewHost()
	rep, err := New(h, fake.NewEngine()).Preflight(context.Background(), PreflightInput{ProxyName: "traefik", Ports: []int{443}, ACMEStorage: "/srv/acme.json"})
	if err != nil {
		t.Fatalf("Preflight() error = %v", err)
	}
	if len(rep.Failed()) != 2 {
		t.Fatalf("Failed() = %+v, want listener and storage failures", rep.Failed())
	}
	for _, c := range rep.Failed() {
		if c.Remediation == "" {
			t.Fatalf("check %s has no remediation", c.Name)
		}
	}
}

func TestDiagnoseNetworkMismatch(t *testing.T) {
	eng := fake.NewEngine()
	eng.Put(engine.Container{Name: "traefik", Networks: []string{"podhost"}})
	eng.Put(engine.Container{Name: "web", Networks: []string{"other"}, Labels: map[string]string{
		"traefik.enable": "true",
		"app.version":    "3",
	}})
	eng.SetLogs("traefik", "line1\nline2")

	expected := routing.Labels{{Key: "traefik.enable", Value: "true"}, {Key: "traefik.docker.network", Value: "podhost"}}
	d, err := New(fake.NewHost(), eng).Diagnose(context.Background(), DiagnoseInput{Proxy: "traefik", Target: "web", Expected: expected})
	if err != nil {
		t.Fatalf("Diagnose() error = %v", err)
	}
	if !d.NetworkMismatch || len(d.SharedNetworks) != 0 {
		t.Fatalf("Diagnose() = %+v, want network mismatch", d)
	}
	if diff := cmp.Diff(map[string]string{"traefik.enable": "true"}, d.TargetLabels); diff != "" {
		t.Fatalf("TargetLabels mismatch (-want +got):\n%s", diff)
	}
	if len(d.MissingLabels) != 1 || d.MissingLabels[0].Key != "traefik.docker.network" {
		t.Fatalf("MissingLabels = %v", d.MissingLabels)
	}
	out := strings.Join(d.Lines(), "\n")
	for _, want := range []string{"network mismatch", "target networks: other", "  line2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Lines() missing %q:\n%s", want, out)
		}
	}

	eng.Put(engine.Container{Name: "web", Networks: []string{"other", "podhost"}})
	d, err = New(fake.NewHost(), eng).Diagnose(context.Background(), DiagnoseInput{Proxy: "traefik", Target: "web"})
	if err != nil {
		t.Fatalf("Diagnose() error = %v", err)
	}
	if d.NetworkMismatch || !cmp.Equal([]string{"podhost"}, d.SharedNetworks) {
		t.Fatalf("Diagnose() = %+v, want shared podhost", d)
	}
}
