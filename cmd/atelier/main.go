// Copyright © 2026 Atelier AI - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Command atelier runs the agent orchestration service: `atelier serve`
// starts the HTTP/SSE surface, `atelier run` executes one principal-direct
// run from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/atelier-ai/atelier/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	flagCatalog string
	flagData    string
	flagDebug   bool
)

var rootCmd = &cobra.Command{
	Use:     "atelier",
	Short:   "Multi-agent orchestration runtime",
	Version: version.Get(),
	Long: `Atelier orchestrates a Partner/Principal/Associate agent team over a
shared turn ledger. Profiles, LLM configs and handover protocols load from
a YAML catalog; runs are snapshotted to disk on every completed turn.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagCatalog, "catalog", "catalog.yaml", "path to the profile catalog")
	rootCmd.PersistentFlags().StringVar(&flagData, "data", defaultDataDir(), "directory for run snapshots")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	viper.SetEnvPrefix("ATELIER")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("catalog", rootCmd.PersistentFlags().Lookup("catalog"))
	_ = viper.BindPFlag("data", rootCmd.PersistentFlags().Lookup("data"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atelier"
	}
	return home + "/.atelier"
}

func newLogger() (*zap.Logger, error) {
	if flagDebug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if path := os.Getenv("ATELIER_LOG_FILE"); path != "" {
		cfg.OutputPaths = []string{path}
	}
	return cfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
