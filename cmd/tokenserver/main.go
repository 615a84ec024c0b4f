// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package main

import (
	"strconv"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/mozilla-services/syncstorage/pkg/process"
	"github.com/mozilla-services/syncstorage/tokenserver"
	"github.com/mozilla-services/syncstorage/tokenserver/fxa"
	"github.com/mozilla-services/syncstorage/tokenserver/tokendb"
)

// Config is everything the token issuer needs to run.
type Config struct {
	Database tokendb.Config
	Server   tokenserver.Config
	FxA      fxa.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "tokenserver",
		Short: "Sync token issuer",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the tokenserver",
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
	addNodeCmd = &cobra.Command{
		Use:   "add-node <url> <capacity>",
		Short: "Register a storage node for assignment",
		Args:  cobra.ExactArgs(2),
		RunE:  cmdAddNode,
	}
	updateNodeCmd = &cobra.Command{
		Use:   "update-node <url>",
		Short: "Change a registered node's capacity or availability",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdUpdateNode,
	}

	runCfg   Config
	setupCfg Config

	setupOut string

	nodeCapacity  int64
	nodeAvailable int64
	nodeDowned    bool
	nodeBackoff   bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(addNodeCmd)
	rootCmd.AddCommand(updateNodeCmd)
	process.Bind(runCmd, &runCfg)
	process.Bind(migrateCmd, &runCfg)
	process.Bind(addNodeCmd, &runCfg)
	process.Bind(updateNodeCmd, &runCfg)
	process.Bind(setupCmd, &setupCfg)
	setupCmd.Flags().StringVar(&setupOut, "output", "config.yaml", "where to write the config file")

	updateNodeCmd.Flags().Int64Var(&nodeCapacity, "capacity", -1, "new capacity, -1 leaves it unchanged")
	updateNodeCmd.Flags().Int64Var(&nodeAvailable, "available", -1, "new available slot count, -1 leaves it unchanged")
	updateNodeCmd.Flags().BoolVar(&nodeDowned, "downed", false, "mark the node down, excluding it from assignment")
	updateNodeCmd.Flags().BoolVar(&nodeBackoff, "backoff", false, "mark the node backing off, excluding it from assignment")
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	db, err := tokendb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error opening token database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	oauth, err := fxa.NewOAuthVerifier(log.Named("oauth"), runCfg.FxA)
	if err != nil {
		return errs.New("error configuring the oauth verifier: %+v", err)
	}
	browserid := fxa.NewBrowserIDVerifier(log.Named("browserid"), runCfg.FxA)

	server := tokenserver.New(log.Named("server"), db, oauth, browserid, runCfg.Server)
	return server.Run(ctx)
}

func cmdSetup(cmd *cobra.Command, args []string) error {
	return process.SaveConfigWithAllDefaults(cmd, setupOut)
}

func cmdMigrate(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	// Open runs any pending migrations before returning
	db, err := tokendb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error migrating token database: %+v", err)
	}
	log.Info("database schema up to date")
	return db.Close()
}

func cmdAddNode(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	db, err := tokendb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error opening token database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	capacity, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || capacity <= 0 {
		return errs.New("capacity must be a positive integer, got %q", args[1])
	}

	serviceID, err := db.GetServiceID(ctx, tokenserver.ServiceName)
	if tokendb.ErrServiceNotFound.Has(err) {
		serviceID, err = db.AddService(ctx, tokenserver.ServiceName, "{node}/1.5/{uid}")
	}
	if err != nil {
		return err
	}

	id, err := db.AddNode(ctx, serviceID, args[0], capacity, capacity)
	if err != nil {
		return err
	}
	log.Info("node registered",
		zap.Int64("id", id),
		zap.String("node", args[0]),
		zap.Int64("capacity", capacity))
	return nil
}

func cmdUpdateNode(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log := zap.L()

	db, err := tokendb.Open(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error opening token database: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	serviceID, err := db.GetServiceID(ctx, tokenserver.ServiceName)
	if err != nil {
		return err
	}

	var update tokendb.NodeUpdate
	if nodeCapacity >= 0 {
		update.Capacity = &nodeCapacity
	}
	if nodeAvailable >= 0 {
		update.Available = &nodeAvailable
	}
	if cmd.Flags().Changed("downed") {
		update.Downed = &nodeDowned
	}
	if cmd.Flags().Changed("backoff") {
		update.Backoff = &nodeBackoff
	}

	if err := db.UpdateNode(ctx, serviceID, args[0], update); err != nil {
		return err
	}
	log.Info("node updated", zap.String("node", args[0]))
	return nil
}

func main() {
	process.Exec(rootCmd)
}
