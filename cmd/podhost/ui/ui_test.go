package ui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"podhost/internal/telemetry"
)

func TestEnvTruthyValues(t *testing.T) {
	testCases := []struct {
		name  string
		value string
		want  bool
	}{
		{name: "one", value: "1", want: true},
		{name: "true", value: "true", want: true},
		{name: "yes", value: "yes", want: true},
		{name: "on", value: "on", want: true},
		{name: "zero", value: "0", want: false},
		{name: "false", value: "false", want: false},
		{name: "empty", value: "", want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("PODHOST_TEST_TRUTHY", tc.value)
			if got := envTruthy("PODHOST_TEST_TRUTHY"); got != tc.want {
				t.Fatalf("envTruthy() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestProgressPrintsStepTransitions(t *testing.T) {
	Configure(true)

	var buf bytes.Buffer
	p := NewProgress(&buf)
	defer p.Close()

	op, err := telemetry.Start(context.Background(), p.Tracer(), "deploy", []telemetry.Step{
		{ID: "ports", Title: "resolve ports"},
		{ID: "container", Title: "replace container"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = op.Step("ports", func(context.Context) error { return nil })
	_ = op.Step("container", func(context.Context) error { return errors.New("pull image: denied") })
	op.End(nil)

	want := []string{
		"  [->] resolve ports",
		"  [ok] resolve ports",
		"  [->] replace container",
		"  [x] replace container (pull image: denied)",
	}
	got := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("progress output =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestPlainMessages(t *testing.T) {
	Configure(true)
	if got := WarnMsg("port %d busy", 80); got != "[warn] port 80 busy" {
		t.Fatalf("WarnMsg() = %q", got)
	}
	if got := HintMsg("chmod 600 acme.json"); !strings.Contains(got, "hint: chmod 600 acme.json") {
		t.Fatalf("HintMsg() = %q", got)
	}
}
