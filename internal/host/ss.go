package host

import (
	"context"
	"fmt"
)

func ssListeningPorts(ctx context.Context, h Host) (map[int]bool, error) {
	out, err := h.Run(ctx, "ss", "-Htln")
	if err != nil {
		return nil, fmt.Errorf("list listening sockets: %w", err)
	}
	return parseSSListeners(out), nil
}
