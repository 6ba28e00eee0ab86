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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/hostops/cmd/hostops/config"
	"github.com/AleutianAI/hostops/services/hostops/executor"
)

var (
	rootCmd = &cobra.Command{
		Use:   "hostops",
		Short: "Bounded host operations for a small server",
		Long: `hostops runs a fixed set of whitelisted OS commands and service
lifecycle actions. "hostops serve" exposes them as an authenticated,
rate-limited admin API; the other commands run the read-only probes locally.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show host resource usage",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}

	portsCmd = &cobra.Command{
		Use:   "ports",
		Short: "Show which monitored ports are listening",
		Args:  cobra.NoArgs,
		RunE:  runPorts,
	}

	processesCmd = &cobra.Command{
		Use:     "processes",
		Aliases: []string{"ps"},
		Short:   "List processes by CPU usage",
		Args:    cobra.NoArgs,
		RunE:    runProcesses,
	}

	runCmd = &cobra.Command{
		Use:   "run <key> [param]",
		Short: "Run one read-only whitelisted command",
		Long: `Run a whitelisted command by key and print its output.

Only read-only commands are accepted here; lifecycle actions go through the
admin API so that they are authenticated, rate limited and audited.`,
		Args:              cobra.RangeArgs(1, 2),
		RunE:              runWhitelisted,
		ValidArgsFunction: completeKeys,
	}

	pm2Cmd = &cobra.Command{
		Use:   "pm2",
		Short: "Inspect pm2-managed applications",
	}

	pm2ListCmd = &cobra.Command{
		Use:   "list",
		Short: "List pm2 applications",
		Args:  cobra.NoArgs,
		RunE:  runPM2List,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the hostops config file",
	}

	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to --config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(configPath); err != nil {
				return err
			}
			printer.Success(fmt.Sprintf("Wrote %s", configPath))
			return nil
		},
	}

	configCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Validate --config without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				printer.Error(err.Error())
				return err
			}
			printer.Success(fmt.Sprintf("%s is valid", configPath))
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the hostops version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
)

// completeKeys offers the read-only command keys for shell completion.
func completeKeys(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var out []string
	for _, key := range readOnlyKeys() {
		if strings.HasPrefix(key, toComplete) {
			out = append(out, key)
		}
	}
	return out, cobra.ShellCompDirectiveNoFileComp
}

// readOnlyKeys lists the registry keys "hostops run" accepts.
func readOnlyKeys() []string {
	params := executor.Keys()
	var keys []string
	for _, key := range executor.SortedKeys() {
		cmd, err := executor.Lookup(key, placeholders(params[key])...)
		if err != nil || cmd.Mutating() {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// placeholders builds parameters that pass validation so that Lookup can
// report whether a key is mutating.
func placeholders(params []string) []string {
	out := make([]string, len(params))
	for i, name := range params {
		switch name {
		case "port", "pid":
			out[i] = "3000"
		default:
			out[i] = "app"
		}
	}
	return out
}
