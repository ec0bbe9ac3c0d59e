//go:build !linux

package host

import "context"

func localListeningPorts(ctx context.Context, l *Local) (map[int]bool, error) {
	return ssListeningPorts(ctx, l)
}
