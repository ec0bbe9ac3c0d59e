package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"podhost/cmd/podhost/cmdutil"
	"podhost/cmd/podhost/ui"
	"podhost/internal/deploy"
	"podhost/internal/probe"
)

var errPreflightFailed = errors.New("preflight checks failed")

func preflightCmd(conn *cmdutil.Connection) *cobra.Command {
	var flags cmdutil.RequestFlags

	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check the proxy's listeners and certificate storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := flags.Request(cmd)
			if err != nil {
				return err
			}
			h, eng, err := cmdutil.Connect(*conn)
			if err != nil {
				return err
			}

			cfg, err := deploy.New(h, eng).ProxyConfig(cmd.Context(), req)
			if err != nil {
				return err
			}
			in := probe.PreflightInput{ProxyName: cfg.Name, Ports: cfg.Ports()}
			if cfg.ACME.Enabled {
				in.ACMEStorage = cfg.ACME.Storage
			}
			rep, err := probe.New(h, eng).Preflight(cmd.Context(), in)
			if err != nil {
				return err
			}

			for _, c := range rep.Checks {
				line := c.Name
				if c.Detail != "" {
					line += " " + ui.Muted("("+c.Detail+")")
				}
				if c.OK {
					fmt.Fprintln(os.Stderr, ui.SuccessMsg("%s", line))
					continue
				}
				fmt.Fprintln(os.Stderr, ui.ErrorMsg("%s", line))
				if c.Remediation != "" {
					fmt.Fprintln(os.Stderr, ui.HintMsg(c.Remediation))
				}
			}
			if !rep.OK() {
				return fmt.Errorf("%w: %d of %d", errPreflightFailed, len(rep.Failed()), len(rep.Checks))
			}
			return nil
		},
	}
	flags.Bind(cmd)
	return cmd
}
