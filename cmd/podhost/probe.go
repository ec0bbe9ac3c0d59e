package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"podhost/cmd/podhost/cmdutil"
	"podhost/cmd/podhost/ui"
	"podhost/internal/probe"
)

func probeCmd(conn *cmdutil.Connection) *cobra.Command {
	var (
		in       probe.DomainInput
		proxy    string
		target   string
		required bool
	)

	cmd := &cobra.Command{
		Use:   "probe <domain>",
		Short: "Probe a routed domain through the proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, eng, err := cmdutil.Connect(*conn)
			if err != nil {
				return err
			}
			p := probe.New(h, eng)

			in.Domain = args[0]
			res := p.Domain(cmd.Context(), in)
			if res.OK {
				fmt.Fprintln(os.Stderr, ui.SuccessMsg("%s answered %d after %d attempt(s)", res.URL, res.Status, res.Attempts))
			} else {
				fmt.Fprintln(os.Stderr, ui.WarnMsg("%s unreachable: %s", res.URL, res.Cause))
				if res.Hint != "" && !required {
					fmt.Fprintln(os.Stderr, ui.HintMsg(res.Hint))
				}
				if target != "" {
					diag, err := p.Diagnose(cmd.Context(), probe.DiagnoseInput{Proxy: proxy, Target: target})
					if err != nil {
						return fmt.Errorf("collect diagnostics: %w", err)
					}
					for _, l := range diag.Lines() {
						fmt.Fprintln(os.Stderr, "  "+ui.Muted(l))
					}
				}
			}

			if err := cmdutil.WriteOutputs(os.Stdout, []string{
				"probe_ok=" + strconv.FormatBool(res.OK),
				"probe_url=" + res.URL,
				"probe_status=" + strconv.Itoa(res.Status),
				"probe_cause=" + res.Cause.String(),
			}); err != nil {
				return err
			}
			if required {
				return res.Err()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Path, "path", "/", "Request path")
	cmd.Flags().BoolVar(&in.ACME, "https", false, "Probe over HTTPS first")
	cmd.Flags().BoolVar(&in.HTTPFallback, "http-fallback", false, "Fall back to HTTP after HTTPS attempts fail")
	cmd.Flags().IntVar(&in.Attempts, "attempts", 10, "Number of attempts")
	cmd.Flags().DurationVar(&in.Interval, "interval", 3*time.Second, "Delay between attempts")
	cmd.Flags().StringVar(&in.Address, "address", "", "Dial host:port instead of resolving the domain")
	cmd.Flags().StringVar(&proxy, "proxy", "traefik", "Proxy container name used for diagnostics")
	cmd.Flags().StringVar(&target, "container", "", "Target container; enables diagnostics on failure")
	cmd.Flags().BoolVar(&required, "required", false, "Exit non-zero when the probe fails")
	return cmd
}
