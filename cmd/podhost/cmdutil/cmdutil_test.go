package cmdutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"

	"podhost/internal/proxy"
)

func TestRequestFlagsOverrideFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "deploy.yaml")
	body := "image_ref: ghcr.io/acme/web:1\ncontainer_name: web\ndomain: old.example.com\naliases: [a.example.com]\nacme_enabled: true\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var f RequestFlags
	cmd := &cobra.Command{Use: "deploy"}
	f.Bind(cmd)
	if err := cmd.Flags().Parse([]string{"--file", p, "--domain", "new.example.com", "--acme=false", "--proxy-dns", "1.1.1.1,9.9.9.9"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	req, err := f.Request(cmd)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if req.Domain != "new.example.com" || req.ACMEEnabled || req.ImageRef != "ghcr.io/acme/web:1" {
		t.Fatalf("Request() = %+v", req)
	}
	if diff := cmp.Diff([]string{"a.example.com"}, req.Aliases); diff != "" {
		t.Fatalf("unset flag overrode file (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"1.1.1.1", "9.9.9.9"}, req.Proxy.DNSServers); diff != "" {
		t.Fatalf("DNSServers mismatch (-want +got):\n%s", diff)
	}
	req.ApplyDefaults()
	if req.NetworkName != proxy.DefaultNetwork {
		t.Fatalf("NetworkName = %q", req.NetworkName)
	}
}

func TestWriteOutputs(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteOutputs(&buf, []string{"a=1", "b=two"}); err != nil {
		t.Fatalf("WriteOutputs() error = %v", err)
	}
	if buf.String() != "a=1\nb=two\n" {
		t.Fatalf("WriteOutputs() wrote %q", buf.String())
	}
	if err := WriteOutputs(&buf, []string{"c=x\ny"}); err == nil {
		t.Fatal("WriteOutputs() accepted a multi-line value")
	}
}

type hinted struct{}

func (hinted) Error() string { return "bind failed" }
func (hinted) Hint() string  { return "lower ip_unprivileged_port_start" }

func TestHint(t *testing.T) {
	if got := Hint(fmt.Errorf("create proxy: %w", hinted{})); got != "lower ip_unprivileged_port_start" {
		t.Fatalf("Hint() = %q", got)
	}
	if got := Hint(fmt.Errorf("plain")); got != "" {
		t.Fatalf("Hint() = %q, want empty", got)
	}
}
