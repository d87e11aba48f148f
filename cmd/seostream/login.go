package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	var f clientFlags

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Check credentials and print the principal to configure",
		Long: `Logs in against the persistence service and prints the principal id.
Put it under principal.id in the config to skip logging in on every run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.email == "" {
				return fmt.Errorf("--email is required")
			}
			return runLogin(cmd, f)
		},
	}

	f.register(cmd)
	return cmd
}

func runLogin(cmd *cobra.Command, f clientFlags) error {
	a, err := newApp(cmd, f.configPath)
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.authenticate(cmd.Context(), f)
	if err != nil {
		return err
	}
	a.console.printf("Logged in as %s\n\nprincipal:\n  id: %s\n  name: %s\n\n%d saved record(s)\n",
		p.Name, p.ID, p.Name, len(a.orch.History()))
	return nil
}

func newModelsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the selectable generation models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tLABEL\t")
			for _, m := range cfg.Models {
				def := ""
				if m == cfg.Model {
					def = "(default)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.String(), m.Label, def)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to seostream config file (built-in defaults when empty)")
	return cmd
}
