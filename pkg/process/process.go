// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

// Package process provides the shared entry-point plumbing: cobra
// execution with viper config and environment binding, signal-aware
// contexts and zap logger setup.
package process

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the default process error class.
var Error = errs.Class("process error")

// Exec runs a root command with config file and environment binding.
func Exec(cmd *cobra.Command) {
	cfgFile := cmd.PersistentFlags().String("config", "", "config file")

	cobra.OnInitialize(func() {
		vip := viper.GetViper()
		_ = vip.BindPFlags(cmd.Flags())
		vip.SetEnvPrefix("keystorm")
		vip.AutomaticEnv()
		if *cfgFile != "" {
			vip.SetConfigFile(*cfgFile)
			if err := vip.ReadInConfig(); err != nil {
				zap.S().Warnf("failed to read config file: %v", err)
			}
		}
	})

	Must(cmd.Execute())
}

// Ctx returns a context canceled on SIGINT/SIGTERM.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Must exits the process on error.
func Must(err error) {
	if err != nil {
		zap.S().Fatal(err)
	}
}
