package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"podhost/cmd/podhost/cmdutil"
	"podhost/cmd/podhost/ui"
	"podhost/internal/deploy"
)

func deployCmd(conn *cmdutil.Connection) *cobra.Command {
	var flags cmdutil.RequestFlags

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the container, reconciling the proxy when a domain is set",
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

			progress := ui.NewProgress(os.Stderr)
			defer progress.Close()
			d := deploy.New(h, eng,
				deploy.WithEscalation(eng.WithSudo()),
				deploy.WithTracer(progress.Tracer()))

			res, err := d.Deploy(cmd.Context(), req)
			for _, w := range res.Warnings {
				fmt.Fprintln(os.Stderr, ui.WarnMsg("%s", w))
			}
			// A required probe's hint is printed with the returned error.
			if res.Probe != nil && !res.Probe.OK && err == nil && res.Probe.Hint != "" {
				fmt.Fprintln(os.Stderr, ui.HintMsg(res.Probe.Hint))
			}
			if res.Diagnostics != nil {
				for _, l := range res.Diagnostics.Lines() {
					fmt.Fprintln(os.Stderr, "  "+ui.Muted(l))
				}
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stderr, ui.SuccessMsg("Deployed %s", ui.Bold(res.ContainerName)))
			return cmdutil.WriteOutputs(os.Stdout, res.Outputs())
		},
	}
	flags.Bind(cmd)
	return cmd
}
