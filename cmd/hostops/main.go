// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/hostops/cmd/hostops/config"
	"github.com/AleutianAI/hostops/pkg/ux"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	outputMode string

	cfg     config.HostopsConfig
	printer *ux.Printer
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "hostops.yaml",
		"Path to the hostops config file. A missing file means built-in defaults.")
	rootCmd.PersistentFlags().StringVarP(&outputMode, "output", "o", "auto",
		"Output style: auto, rich or plain")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		mode, err := ux.ParseMode(outputMode)
		if err != nil {
			return err
		}
		printer = ux.NewPrinter(cmd.OutOrStdout(), mode)

		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading %s: %w", configPath, err)
		}
		cfg = loaded
		return nil
	}

	// config subcommands must work when the file itself is broken.
	configCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		mode, err := ux.ParseMode(outputMode)
		if err != nil {
			return err
		}
		printer = ux.NewPrinter(cmd.OutOrStdout(), mode)
		return nil
	}

	serveCmd.Flags().Bool("allow-unauthenticated", false,
		"Serve without authentication on a non-loopback address")
	processesCmd.Flags().StringP("filter", "f", "", "Only show processes whose command line contains this text")

	pm2Cmd.AddCommand(pm2ListCmd)
	configCmd.AddCommand(configInitCmd, configCheckCmd)
	rootCmd.AddCommand(serveCmd, statsCmd, portsCmd, processesCmd, runCmd, pm2Cmd, configCmd, versionCmd)
}
