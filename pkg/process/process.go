// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package process wires up the shared pieces of every service binary:
// config binding with environment overrides, structured logging, metrics
// registration, and signal-driven shutdown.
package process

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
	"gopkg.in/spacemonkeygo/monkit.v2/environment"

	"github.com/mozilla-services/syncstorage/internal/cfgstruct"
)

// Error is the class of process errors.
var Error = errs.Class("process")

// envPrefix is the prefix of every environment variable the services read,
// e.g. SYNC_DATABASE_URL.
const envPrefix = "sync"

var (
	contextMtx sync.Mutex
	contexts   = map[*cobra.Command]context.Context{}
)

// Bind registers flags for every tagged field of config on cmd.
func Bind(cmd *cobra.Command, config interface{}) {
	cfgstruct.Bind(cmd.Flags(), config)
}

// Exec runs the root command with environment and config-file overrides
// applied to every subcommand, and an interrupt-cancelled context available
// through Ctx.
func Exec(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "", "path to a yaml config file")
	// pick up the stdlib flags (log.*) declared across the packages
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()

	environment.Register(monkit.Default)

	cleanup(cmd, ctx)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// Ctx returns the process context installed by Exec for cmd.
func Ctx(cmd *cobra.Command) context.Context {
	contextMtx.Lock()
	defer contextMtx.Unlock()
	if ctx, ok := contexts[cmd]; ok {
		return ctx
	}
	return context.Background()
}

// cleanup wraps every leaf command so that flags pick up values from the
// environment and the optional config file before the command runs.
func cleanup(cmd *cobra.Command, ctx context.Context) {
	for _, child := range cmd.Commands() {
		cleanup(child, ctx)
	}
	if cmd.RunE == nil {
		return
	}

	inner := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		contextMtx.Lock()
		contexts[cmd] = ctx
		contextMtx.Unlock()

		vip := viper.New()
		vip.SetEnvPrefix(envPrefix)
		vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		vip.AutomaticEnv()

		if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
			vip.SetConfigFile(configFile)
			if err := vip.ReadInConfig(); err != nil {
				return Error.Wrap(err)
			}
		}

		applyOverrides(cmd, vip)

		logger, err := NewLogger()
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _ = logger.Sync() }()
		undoGlobals := zap.ReplaceGlobals(logger)
		undoStd := zap.RedirectStdLog(logger)
		defer undoGlobals()
		defer undoStd()

		return inner(cmd, args)
	}
}

// SaveConfigWithAllDefaults writes a yaml config file containing the
// current value of every flag on cmd, so a fresh deployment starts from a
// complete, editable file.
func SaveConfigWithAllDefaults(cmd *cobra.Command, outfile string) error {
	if err := os.MkdirAll(filepath.Dir(outfile), 0700); err != nil {
		return Error.Wrap(err)
	}
	data, err := marshalFlags(cmd)
	if err != nil {
		return err
	}
	return Error.Wrap(atomicWrite(outfile, 0600, data))
}
