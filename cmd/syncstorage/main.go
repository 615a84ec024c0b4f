// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package main

import (
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/mozilla-services/syncstorage/pkg/process"
	"github.com/mozilla-services/syncstorage/syncstorage"
	"github.com/mozilla-services/syncstorage/syncstorage/storagedb"
	"github.com/mozilla-services/syncstorage/syncstorage/web"
)

// Config is everything the storage node needs to run.
type Config struct {
	Database storagedb.Config
	Limits   syncstorage.Limits
	Web      web.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "syncstorage",
		Short: "Sync 1.5 storage node",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the storage server",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Write a config file with every setting at its default",
		RunE:  cmdSetup,
	}
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE:  cmdMigrate,
	}
	purgeCmd = &cobra.Command{
		Use:   "purge",
		Short: "Reclaim expired BSOs and batches",
		RunE:  cmdPurge,
	}

	runCfg   Config
	setupCfg Config

	setupOut string
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(purgeCmd)
	process.Bind(runCmd, &runCfg)
	process.Bind(migrateCmd, &runCfg)
	process.Bind(purgeCmd, &runCfg)
	process.Bind(setupCmd, &setupCfg)
	setupCmd.Flags().StringVar(&setupOut, "output", "config.yaml", "where to write the config file")
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	db, err := storagedb.Open(ctx, log.Named("db"), runCfg.Database, runCfg.Limits)
	if err != nil {
		return errs.New("error opening storage database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	server := web.New(log.Named("web"), db, runCfg.Limits, runCfg.Web)
	return server.Run(ctx)
}

func cmdSetup(cmd *cobra.Command, args []string) error {
	return process.SaveConfigWithAllDefaults(cmd, setupOut)
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	// Open runs any pending migrations before returning
	db, err := storagedb.Open(ctx, log.Named("db"), runCfg.Database, runCfg.Limits)
	if err != nil {
		return errs.New("error migrating storage database: %+v", err)
	}
	log.Info("database schema up to date")
	return db.Close()
}

func cmdPurge(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	db, err := storagedb.Open(ctx, log.Named("db"), runCfg.Database, runCfg.Limits)
	if err != nil {
		return errs.New("error opening storage database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	bsos, batches, err := db.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	log.Info("purge complete",
		zap.Int64("expired bsos", bsos),
		zap.Int64("expired batches", batches))
	return nil
}

func main() {
	process.Exec(rootCmd)
}
