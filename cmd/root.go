// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd wires the cobra CLI ("corevm run" and "corevm fsck") using a
// PersistentFlags/BindFlags/cobra.OnInitialize pattern, with a
// scripted-workload runner and a read-only fsck diagnostic in place of a
// FUSE mount surface.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pintosgo/corevm/cfg"
	"github.com/pintosgo/corevm/internal/corelog"
)

var (
	cfgFile string
	bindErr error
	RuntimeCfg cfg.Config

	rootCmd = &cobra.Command{
		Use: "corevm",
		Short: "Exercise the storage and virtual-memory core of a teaching OS",
		Long: `corevm runs scripted workloads and diagnostics against an
in-process file system, buffer cache, frame table and swap partition.`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(runCmd, fsckCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		_ = viper.ReadInConfig()
	}

	RuntimeCfg = cfg.GetDefaultConfig()
	if err := viper.Unmarshal(&RuntimeCfg, viper.DecodeHook(cfg.DecodeHook())); err != nil {
		fmt.Fprintln(os.Stderr, "decoding config:", err)
		os.Exit(1)
	}
}

// Execute runs the selected subcommand.
func Execute() {
	if bindErr != nil {
		fmt.Fprintln(os.Stderr, bindErr)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func severityFromConfig(s cfg.LogSeverity) corelog.Severity {
	switch s {
	case cfg.TraceLogSeverity:
		return corelog.LevelTrace
	case cfg.DebugLogSeverity:
		return corelog.LevelDebug
	case cfg.WarningLogSeverity:
		return corelog.LevelWarning
	case cfg.ErrorLogSeverity, cfg.OffLogSeverity:
		return corelog.LevelError
	default:
		return corelog.LevelInfo
	}
}

func buildLogger(c *cfg.Config) *slog.Logger {
	return corelog.New(corelog.Config{
		Path: string(c.Logging.Path),
		Level: severityFromConfig(c.Logging.Severity),
	})
}
