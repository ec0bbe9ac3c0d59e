package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"
	"gopkg.in/yaml.v3"
)

// Context is a saved deploy target.
type Context struct {
	Host    string `yaml:"host"` // user@host; empty deploys locally
	SSHKey  string `yaml:"ssh_key,omitempty"`
	SSHPort int    `yaml:"ssh_port,omitempty"`
}

// Contexts holds named targets and the current selection, kubeconfig style.
type Contexts struct {
	CurrentContext string             `yaml:"current-context"`
	Contexts       map[string]Context `yaml:"contexts"`

	path string
}

// ContextsPath returns $XDG_CONFIG_HOME/podhost/contexts.yaml, falling back
// to ~/.config/podhost/contexts.yaml.
func ContextsPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "podhost", "contexts.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "podhost", "contexts.yaml")
}

// LoadContexts reads the contexts file at p. A missing file yields an empty
// set.
func LoadContexts(p string) (*Contexts, error) {
	c := &Contexts{Contexts: make(map[string]Context), path: p}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read contexts: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse contexts: %w", err)
	}
	if c.Contexts == nil {
		c.Contexts = make(map[string]Context)
	}
	return c, nil
}

// Save writes the contexts back to the file they were loaded from.
func (c *Contexts) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create contexts dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal contexts: %w", err)
	}
	if err := atomicwriter.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("write contexts: %w", err)
	}
	return nil
}

// Current returns the selected context; false when none is selected.
func (c *Contexts) Current() (string, Context, bool) {
	if c.CurrentContext == "" {
		return "", Context{}, false
	}
	ctx, ok := c.Contexts[c.CurrentContext]
	return c.CurrentContext, ctx, ok
}

func (c *Contexts) Use(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return nil
}

func (c *Contexts) Set(name string, ctx Context) {
	c.Contexts[name] = ctx
}

// Remove deletes a context, clearing the selection if it was current.
func (c *Contexts) Remove(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return nil
}

// Resolve picks the target: an explicit flag value, then PODHOST_HOST and
// PODHOST_SSH_KEY, then the named or current context.
func (c *Contexts) Resolve(name string, explicit Context) (Context, error) {
	out := explicit
	if out.Host == "" {
		out.Host = os.Getenv(EnvHost)
	}
	if out.SSHKey == "" {
		out.SSHKey = os.Getenv(EnvSSHKey)
	}
	if out.Host != "" {
		return out, nil
	}

	var saved Context
	switch {
	case name != "":
		ctx, ok := c.Contexts[name]
		if !ok {
			return Context{}, fmt.Errorf("context %q not found", name)
		}
		saved = ctx
	default:
		_, ctx, ok := c.Current()
		if !ok {
			return out, nil
		}
		saved = ctx
	}
	if out.SSHKey != "" {
		saved.SSHKey = out.SSHKey
	}
	if out.SSHPort != 0 {
		saved.SSHPort = out.SSHPort
	}
	return saved, nil
}
