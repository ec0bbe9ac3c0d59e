package fake

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/containerd/errdefs"

	"podhost/internal/adapter/fake/fault"
	"podhost/internal/engine"
)

// Mutating engine methods, as recorded by Engine.
var mutatingMethods = []string{"Run", "Stop", "Remove", "Restart", "CreateNetwork"}

// Engine is an in-memory container engine. It records every call and
// evaluates Faults at a point named after the method before acting.
type Engine struct {
	CallRecorder
	Faults fault.Injector

	mu         sync.Mutex
	containers map[string]engine.Container
	networks   map[string]bool
	images     map[string]bool
	logs       map[string]string
	nextID     int

	// OnRestart, when set, decides the container state after Restart.
	OnRestart func(c *engine.Container)
}

func NewEngine() *Engine {
	return &Engine{
		containers: make(map[string]engine.Container),
		networks:   make(map[string]bool),
		images:     make(map[string]bool),
		logs:       make(map[string]string),
	}
}

// Put installs or replaces a container.
func (e *Engine) Put(c engine.Container) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c.Status == 0 {
		c.Status = engine.StatusRunning
	}
	e.containers[c.Name] = clone(c)
}

// Container returns the stored container, if any.
func (e *Engine) Container(name string) (engine.Container, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	return clone(c), ok
}

// SetLogs sets what Logs returns for name.
func (e *Engine) SetLogs(name, logs string) {
	e.mu.Lock()
	e.logs[name] = logs
	e.mu.Unlock()
}

// Mutations counts calls that change engine state.
func (e *Engine) Mutations() int {
	return e.Count(mutatingMethods...)
}

func (e *Engine) HasNetwork(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.networks[name]
}

func (e *Engine) HasImage(ref string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.images[ref]
}

func (e *Engine) Inspect(_ context.Context, name string) (engine.Container, error) {
	e.record("Inspect", name)
	if err := e.Faults.Eval("Inspect", name); err != nil {
		return engine.Container{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return engine.Container{Name: name, Status: engine.StatusAbsent}, nil
	}
	return clone(c), nil
}

func (e *Engine) Run(_ context.Context, spec engine.RunSpec) (string, error) {
	e.record("Run", spec)
	if err := e.Faults.Eval("Run", spec); err != nil {
		return "", err
	}
	if _, err := spec.Args(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[spec.Name]; ok {
		return "", &engine.CommandError{
			Args:   []string{"podman", "run", "--name", spec.Name},
			Output: fmt.Sprintf("Error: the container name %q is already in use", spec.Name),
			Kind:   errdefs.ErrConflict,
			Err:    errors.New("exit status 125"),
		}
	}

	c := engine.Container{
		Name:        spec.Name,
		Image:       spec.Image,
		Status:      engine.StatusRunning,
		Labels:      make(map[string]string, len(spec.Labels)),
		Ports:       make(map[int][]int),
		HostNetwork: spec.Network == engine.HostNetwork,
	}
	for _, l := range spec.Labels {
		k, v, _ := strings.Cut(l, "=")
		c.Labels[k] = v
	}
	if !c.HostNetwork {
		for _, p := range spec.Publish {
			c.Ports[p.ContainerPort] = append(c.Ports[p.ContainerPort], p.HostPort)
		}
		if spec.Network != "" {
			c.Networks = []string{spec.Network}
		}
	}
	e.containers[spec.Name] = c
	e.nextID++
	return fmt.Sprintf("%s-%d", spec.Name, e.nextID), nil
}

func (e *Engine) Stop(_ context.Context, name string) error {
	e.record("Stop", name)
	if err := e.Faults.Eval("Stop", name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.containers[name]; ok {
		c.Status = engine.StatusStopped
		e.containers[name] = c
	}
	return nil
}

func (e *Engine) Remove(_ context.Context, name string, force bool) error {
	e.record("Remove", name, force)
	if err := e.Faults.Eval("Remove", name, force); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if ok && c.Running() && !force {
		return &engine.CommandError{
			Args:   []string{"podman", "rm", name},
			Output: "Error: cannot remove container " + name + " as it is running",
			Err:    errors.New("exit status 2"),
		}
	}
	delete(e.containers, name)
	return nil
}

func (e *Engine) Restart(_ context.Context, name string) error {
	e.record("Restart", name)
	if err := e.Faults.Eval("Restart", name); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.containers[name]
	if !ok {
		return &engine.CommandError{
			Args:   []string{"podman", "restart", name},
			Output: "Error: no container with name or id " + name + " found: no such container",
			Kind:   errdefs.ErrNotFound,
			Err:    errors.New("exit status 125"),
		}
	}
	c.Status = engine.StatusRunning
	if e.OnRestart != nil {
		e.OnRestart(&c)
	}
	e.containers[name] = c
	return nil
}

func (e *Engine) Logs(_ context.Context, name string, lines int) (string, error) {
	e.record("Logs", name, lines)
	if err := e.Faults.Eval("Logs", name); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := strings.Split(strings.TrimRight(e.logs[name], "\n"), "\n")
	if lines > 0 && len(out) > lines {
		out = out[len(out)-lines:]
	}
	return strings.Join(out, "\n"), nil
}

func (e *Engine) Pull(_ context.Context, image string) error {
	e.record("Pull", image)
	if err := e.Faults.Eval("Pull", image); err != nil {
		return err
	}
	e.mu.Lock()
	e.images[image] = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) NetworkExists(_ context.Context, name string) (bool, error) {
	e.record("NetworkExists", name)
	if err := e.Faults.Eval("NetworkExists", name); err != nil {
		return false, err
	}
	return e.HasNetwork(name), nil
}

func (e *Engine) EnsureNetwork(ctx context.Context, name string) error {
	ok, err := e.NetworkExists(ctx, name)
	if err != nil || ok {
		return err
	}
	e.record("CreateNetwork", name)
	if err := e.Faults.Eval("CreateNetwork", name); err != nil {
		return err
	}
	e.mu.Lock()
	e.networks[name] = true
	e.mu.Unlock()
	return nil
}

func clone(c engine.Container) engine.Container {
	if c.Labels != nil {
		labels := make(map[string]string, len(c.Labels))
		for k, v := range c.Labels {
			labels[k] = v
		}
		c.Labels = labels
	}
	if c.Ports != nil {
		ports := make(map[int][]int, len(c.Ports))
		for k, v := range c.Ports {
			ports[k] = slices.Clone(v)
		}
		c.Ports = ports
	}
	c.Networks = slices.Clone(c.Networks)
	return c
}
