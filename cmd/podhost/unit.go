package main

import (
	"fmt"
	"os"
	"path"

	"github.com/spf13/cobra"

	"podhost/cmd/podhost/cmdutil"
	"podhost/internal/config"
	"podhost/internal/engine"
	"podhost/internal/ports"
	"podhost/internal/quadlet"
	"podhost/internal/routing"
)

func unitCmd() *cobra.Command {
	var flags cmdutil.RequestFlags

	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Print the Quadlet unit a deploy would write, without contacting a host",
		Long: `Print the Quadlet unit a deploy would write.

The container port must be given explicitly since no host is inspected,
and --env-file must be absolute because ~ cannot be expanded without the
target host. Unrouted units publish --host-port, or the container port
when unset.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := flags.Request(cmd)
			if err != nil {
				return err
			}
			unit, err := renderUnit(req)
			if err != nil {
				return err
			}
			data, err := quadlet.Render(unit)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
	flags.Bind(cmd)
	return cmd
}

func renderUnit(req config.Request) (quadlet.Unit, error) {
	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		return quadlet.Unit{}, err
	}
	if req.Ports.Container == "" {
		return quadlet.Unit{}, fmt.Errorf("%w: --port is required to render a unit", config.ErrInvalid)
	}
	if req.EnvFilePath != "" && !path.IsAbs(req.EnvFilePath) {
		return quadlet.Unit{}, fmt.Errorf("%w: env file %q must be an absolute path to render a unit", config.ErrInvalid, req.EnvFilePath)
	}
	containerPort, err := ports.Parse(req.Ports.Container)
	if err != nil {
		return quadlet.Unit{}, err
	}

	spec := engine.RunSpec{
		Name:    req.Name(),
		Image:   req.ImageRef,
		EnvFile: req.EnvFilePath,
		Volumes: req.Volumes,
		Limits:  req.EngineLimits(),
		Command: req.Command,
	}
	if req.Routed() {
		rule, err := routing.Build(routing.Input{
			RouterName:  routing.RouterName(spec.Name),
			Domain:      req.Domain,
			Aliases:     req.Aliases,
			IncludeWWW:  req.IncludeWWW,
			Hosts:       req.Hosts,
			ACME:        req.ACMEEnabled,
			Resolver:    req.ProxyConfig(os.Getuid(), os.Getuid() == 0).ACME.Resolver,
			ServicePort: containerPort,
			Network:     req.NetworkName,
		})
		if err != nil {
			return quadlet.Unit{}, fmt.Errorf("build routing rule: %w", err)
		}
		spec.Network = req.NetworkName
		spec.Labels = rule.Labels().Pairs()
	} else {
		hostPort := containerPort
		if req.Ports.Host != "" {
			if hostPort, err = ports.Parse(req.Ports.Host); err != nil {
				return quadlet.Unit{}, err
			}
		}
		spec.Publish = []engine.PortMapping{{HostPort: hostPort, ContainerPort: containerPort}}
	}

	unit := quadlet.FromRunSpec(spec)
	unit.Description = "podhost application " + spec.Name
	return unit, nil
}
