// Package cmdutil holds the plumbing shared by podhost commands: resolving
// the target host and building a deploy request from a file plus flags.
package cmdutil

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"podhost/internal/config"
	"podhost/internal/engine"
	"podhost/internal/host"
)

// Connection holds the persistent connection flags.
type Connection struct {
	Host    string
	SSHKey  string
	SSHPort int
	Context string
}

// Connect resolves the target, in order: --host, PODHOST_HOST, --context,
// the current context. With no target the local machine is used.
func Connect(c Connection) (host.Host, *engine.Podman, error) {
	contexts, err := config.LoadContexts(config.ContextsPath())
	if err != nil {
		return nil, nil, err
	}
	target, err := contexts.Resolve(c.Context, config.Context{Host: c.Host, SSHKey: c.SSHKey, SSHPort: c.SSHPort})
	if err != nil {
		return nil, nil, err
	}
	if target.Host == "" {
		h := host.NewLocal()
		return h, engine.NewPodman(h), nil
	}
	h, err := host.NewSSH(target.Host, host.SSHOptions{Port: target.SSHPort, KeyPath: target.SSHKey})
	if err != nil {
		return nil, nil, err
	}
	return h, engine.NewPodman(h), nil
}

// WriteOutputs writes key=value lines, the format $GITHUB_OUTPUT accepts.
func WriteOutputs(w io.Writer, lines []string) error {
	for _, l := range lines {
		if strings.ContainsAny(l, "\n\r") {
			return fmt.Errorf("output %q spans lines", l)
		}
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

// Hint returns the remediation attached to err, if any.
func Hint(err error) string {
	var h interface{ Hint() string }
	if errors.As(err, &h) {
		return h.Hint()
	}
	return ""
}
