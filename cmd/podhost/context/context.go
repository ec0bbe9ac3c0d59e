// Package contextcmd implements `podhost context`: named deploy targets
// saved in the user's config directory.
package contextcmd

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"podhost/cmd/podhost/ui"
	"podhost/internal/config"
)

// Cmd returns the parent "podhost context" command.
func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage saved deploy targets",
	}
	cmd.AddCommand(addCmd(), listCmd(), useCmd(), removeCmd())
	return cmd
}

func load() (*config.Contexts, error) {
	return config.LoadContexts(config.ContextsPath())
}

func addCmd() *cobra.Command {
	var c config.Context
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or update a context",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if c.Host == "" {
				return fmt.Errorf("--host is required")
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			cfg.Set(args[0], c)
			if cfg.CurrentContext == "" {
				cfg.CurrentContext = args[0]
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Context %s saved.", ui.Bold(args[0])))
			return nil
		},
	}
	cmd.Flags().StringVar(&c.Host, "host", "", "SSH target (e.g. deploy@host)")
	cmd.Flags().StringVar(&c.SSHKey, "ssh-key", "", "SSH identity file")
	cmd.Flags().IntVar(&c.SSHPort, "ssh-port", 0, "SSH port")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List saved contexts",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if len(cfg.Contexts) == 0 {
				fmt.Println(ui.InfoMsg("No contexts configured."))
				return nil
			}
			names := make([]string, 0, len(cfg.Contexts))
			for name := range cfg.Contexts {
				names = append(names, name)
			}
			sort.Strings(names)

			pairs := make([]ui.Pair, 0, len(names))
			for _, name := range names {
				c := cfg.Contexts[name]
				target := c.Host
				if c.SSHPort != 0 {
					target += " port " + strconv.Itoa(c.SSHPort)
				}
				if name == cfg.CurrentContext {
					name = "* " + name
				} else {
					name = "  " + name
				}
				pairs = append(pairs, ui.KV(name, target))
			}
			fmt.Print(ui.KeyValues("", pairs...))
			return nil
		},
	}
}

func useCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <name>",
		Short: "Select the current context",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Use(args[0]); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Switched to context %s.", ui.Bold(args[0])))
			return nil
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>",
		Short:   "Remove a context",
		Aliases: []string{"rm"},
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Remove(args[0]); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Context %s removed.", ui.Bold(args[0])))
			return nil
		},
	}
}
