// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"keystorm.io/keystorm/pkg/cfgstruct"
	"keystorm.io/keystorm/pkg/keystorm"
	"keystorm.io/keystorm/pkg/process"
	"keystorm.io/keystorm/pkg/utils"
)

var (
	rootCmd = &cobra.Command{
		Use:   "keystorm",
		Short: "Keystorm realtime leaderboard and race server",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the keystorm peer",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Create the data directory and an initial config file",
		RunE:  cmdSetup,
	}

	runCfg   keystorm.Config
	setupCfg keystorm.Config
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	cfgstruct.Bind(runCmd.Flags(), &runCfg)
	cfgstruct.Bind(setupCmd.Flags(), &setupCfg)
}

func cmdRun(cmd *cobra.Command, args []string) error {
	log, err := process.NewLogger(runCfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	peer, err := keystorm.New(log, runCfg)
	if err != nil {
		return err
	}

	runErr := peer.Run(ctx)
	closeErr := peer.Close()
	if closeErr != nil {
		log.Error("shutdown failures", zap.Error(closeErr))
	}
	return utils.CombineErrors(runErr, closeErr)
}

func cmdSetup(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(setupCfg.DataDir, 0700); err != nil {
		return errs.Wrap(err)
	}
	path := filepath.Join(setupCfg.DataDir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return errs.New("config already exists at %s", path)
	}
	if err := saveConfig(cmd.Flags(), path); err != nil {
		return err
	}
	fmt.Println("wrote", path)
	return nil
}

// saveConfig writes every non-hidden flag as a yaml entry with its
// current value and help text.
func saveConfig(flags *pflag.FlagSet, path string) error {
	var lines []string
	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Hidden || flag.Name == "config" || flag.Name == "help" {
			return
		}
		value := flag.Value.String()
		if value == "" {
			value = `""`
		}
		if flag.Usage != "" {
			lines = append(lines, fmt.Sprintf("# %s\n%s: %s\n", flag.Usage, flag.Name, value))
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s\n", flag.Name, value))
		}
	})
	sort.Strings(lines)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errs.Wrap(err)
	}
	for _, line := range lines {
		if _, err := file.WriteString(line + "\n"); err != nil {
			return utils.CombineErrors(errs.Wrap(err), file.Close())
		}
	}
	return errs.Wrap(file.Close())
}

func main() {
	process.Exec(rootCmd)
}
