package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/containerd/errdefs"
)

// Creator is the subset of engine operations RunWithCleanup needs.
type Creator interface {
	Run(ctx context.Context, spec RunSpec) (string, error)
	Remove(ctx context.Context, name string, force bool) error
}

// RunWithCleanup runs spec. A name collision (a concurrent invocation won
// the race) triggers exactly one forced removal and retry.
func RunWithCleanup(ctx context.Context, c Creator, spec RunSpec) (string, error) {
	id, err := c.Run(ctx, spec)
	if err == nil {
		return id, nil
	}
	if !errdefs.IsConflict(err) {
		return "", err
	}

	slog.Warn("container name collision, forcing cleanup and retrying once",
		"component", "engine", "container", spec.Name, "err", err)
	if rmErr := c.Remove(ctx, spec.Name, true); rmErr != nil {
		return "", fmt.Errorf("cleanup after name collision: %w", rmErr)
	}
	id, err = c.Run(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("retry after name collision: %w", err)
	}
	return id, nil
}
