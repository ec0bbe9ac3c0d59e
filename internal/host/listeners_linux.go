//go:build linux

package host

import (
	"context"
	"log/slog"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// tcpListen is TCP_LISTEN from include/net/tcp_states.h.
const tcpListen = 10

// localListeningPorts asks the kernel through sock_diag. Falls back to ss
// when netlink is unavailable (e.g. restricted containers).
func localListeningPorts(ctx context.Context, l *Local) (map[int]bool, error) {
	ports := make(map[int]bool)
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		socks, err := netlink.SocketDiagTCPInfo(family)
		if err != nil {
			slog.Debug("sock_diag unavailable, falling back to ss", "component", "host", "err", err)
			return ssListeningPorts(ctx, l)
		}
		for _, s := range socks {
			if s == nil || s.InetDiagMsg == nil {
				continue
			}
			if s.InetDiagMsg.State != tcpListen {
				continue
			}
			ports[int(s.InetDiagMsg.ID.SourcePort)] = true
		}
	}
	return ports, nil
}
