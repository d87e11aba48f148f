package main

import (
	"fmt"

	"github.com/Srey123/seostream/internal/devserver"
	"github.com/spf13/cobra"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Reference backend database commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBReapCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create, migrate and seed the reference backend database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			gormDB, err := prepareDB(cmd, cfg.DevServer)
			if err != nil {
				return err
			}
			if sqlDB, err := gormDB.DB(); err == nil {
				sqlDB.Close()
			}
			fmt.Fprintln(cmd.OutOrStdout(), "\nDatabase ready.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to seostream config file (built-in defaults when empty)")
	return cmd
}

func newDBReapCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Expire quota leases whose holders stopped heartbeating",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			gormDB, err := prepareDB(cmd, cfg.DevServer)
			if err != nil {
				return err
			}
			if sqlDB, err := gormDB.DB(); err == nil {
				defer sqlDB.Close()
			}
			n, err := devserver.ExpireStaleLeases(gormDB, cfg.DevServer.LeaseTTL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d stale lease(s)\n", n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to seostream config file (built-in defaults when empty)")
	return cmd
}
