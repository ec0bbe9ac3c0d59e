package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"podhost/cmd/podhost/cmdutil"
	"podhost/cmd/podhost/ui"
	"podhost/internal/deploy"
)

func proxyCmd(conn *cmdutil.Connection) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Manage the shared Traefik proxy",
	}
	cmd.AddCommand(proxyEnsureCmd(conn))
	return cmd
}

func proxyEnsureCmd(conn *cmdutil.Connection) *cobra.Command {
	var flags cmdutil.RequestFlags

	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Reconcile the proxy with its configuration and persist its unit",
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

			res, err := deploy.New(h, eng, deploy.WithEscalation(eng.WithSudo())).EnsureProxy(cmd.Context(), req)
			for _, w := range res.Warnings {
				fmt.Fprintln(os.Stderr, ui.WarnMsg("%s", w))
			}
			if err != nil {
				return err
			}

			out := res.Outcome
			fmt.Fprint(os.Stderr, ui.KeyValues("  ",
				ui.KV("state", ui.Accent(out.State.String())),
				ui.KV("confighash", out.Confighash),
				ui.KV("host network", strconv.FormatBool(out.HostNetwork)),
				ui.KV("unit", res.UnitPath),
			))
			return cmdutil.WriteOutputs(os.Stdout, []string{
				"proxy_state=" + out.State.String(),
				"proxy_confighash=" + out.Confighash,
				"proxy_host_network=" + strconv.FormatBool(out.HostNetwork),
				"proxy_escalated=" + strconv.FormatBool(out.Escalated),
				"proxy_unit_path=" + res.UnitPath,
			})
		},
	}
	flags.Bind(cmd)
	return cmd
}
