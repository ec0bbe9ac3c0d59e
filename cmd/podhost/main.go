package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"podhost/cmd/podhost/cmdutil"
	contextcmd "podhost/cmd/podhost/context"
	"podhost/cmd/podhost/ui"
	"podhost/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		debug     bool
		logFormat string
		plain     bool
		conn      cmdutil.Connection
	)

	root := &cobra.Command{
		Use:           "podhost",
		Short:         "Deploy a container behind a shared Traefik proxy on a rootless Podman host",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			ui.Configure(plain)
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level, logFormat)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatText, "Log format: text or json")
	root.PersistentFlags().BoolVar(&plain, "plain", false, "Disable colors and glyphs")
	root.PersistentFlags().StringVar(&conn.Host, "host", "", "SSH target user@host; empty deploys on this machine")
	root.PersistentFlags().StringVar(&conn.SSHKey, "ssh-key", "", "SSH identity file")
	root.PersistentFlags().IntVar(&conn.SSHPort, "ssh-port", 0, "SSH port")
	root.PersistentFlags().StringVar(&conn.Context, "context", "", "Saved context to deploy to")

	root.AddCommand(
		deployCmd(&conn),
		proxyCmd(&conn),
		preflightCmd(&conn),
		probeCmd(&conn),
		unitCmd(),
		contextcmd.Cmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		if hint := cmdutil.Hint(err); hint != "" {
			fmt.Fprintln(os.Stderr, ui.HintMsg(hint))
		}
		os.Exit(1)
	}
}
