// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the authrim command-line
// application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/authrim/authrim/pkg/logger"
	"github.com/authrim/authrim/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "authrim",
	DisableAutoGenTag: true,
	Short:             "Authrim is an OpenID Connect provider built on sharded ephemeral state",
	Long: `Authrim is an OpenID Connect provider and OAuth 2.0 authorization server.
It keeps every piece of in-flight protocol state (authorization codes, pushed
requests, login challenges, sessions) in sharded actors so a deployment scales
by raising the shard count, and it speaks PAR, JAR, JARM, RAR, DPoP, native
SSO token exchange, WebAuthn, email one-time codes, DID wallets, and an
upstream SAML identity provider bridge.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help.
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the Authrim CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			cmd.Printf("Version:   %s\nCommit:    %s\nBuilt:     %s\n",
				info.Version, info.Commit, info.BuildDate)
		},
	}
}
