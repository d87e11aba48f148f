package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Srey123/seostream/internal/config"
	"github.com/Srey123/seostream/internal/db"
	"github.com/Srey123/seostream/internal/devserver"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference persistence API and generation stream",
		Long: `Serves the persistence API and a scripted generation stream from one
process, backed by SQLite or MySQL. Configured users are seeded at startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to seostream config file (built-in defaults when empty)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default from config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	ds := cfg.DevServer
	if port > 0 {
		ds.Port = port
	}

	gormDB, err := prepareDB(cmd, ds)
	if err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}

	script := devserver.DefaultScript()
	if ds.Script != "" {
		if script, err = devserver.LoadScript(ds.Script); err != nil {
			return err
		}
		fmt.Fprintf(out, "Loaded script %s\n", ds.Script)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info("devserver starting", zap.Int("port", ds.Port), zap.String("driver", ds.Database.Driver))

	return devserver.Start(ctx, devserver.StartOpts{
		Options: devserver.Options{
			DB:       gormDB,
			Script:   script,
			LeaseTTL: ds.LeaseTTL,
			Logger:   log,
		},
		Port:         ds.Port,
		ReapSchedule: ds.ReapSchedule,
		Out:          out,
	})
}

// prepareDB creates the database when needed, migrates it and seeds the
// configured users.
func prepareDB(cmd *cobra.Command, ds config.DevServerConfig) (*gorm.DB, error) {
	out := cmd.OutOrStdout()
	dc := ds.Database

	if dc.Driver == "mysql" {
		adminDB, err := db.ConnectAdmin(dc)
		if err != nil {
			return nil, err
		}
		err = db.CreateDatabase(adminDB, dc.Name)
		if sqlDB, dbErr := adminDB.DB(); dbErr == nil {
			sqlDB.Close()
		}
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(out, "Database %s ready on %s:%d\n", dc.Name, dc.Host, dc.Port)
	}

	gormDB, err := db.Connect(dc)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	for _, u := range ds.Users {
		if _, err := devserver.SeedUser(gormDB, u.Email, u.Name, u.Password); err != nil {
			return nil, err
		}
	}
	fmt.Fprintf(out, "Seeded %d user(s)\n", len(ds.Users))
	return gormDB, nil
}
