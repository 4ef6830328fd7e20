// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"src.bluestatic.org/mailmock/pkg/version"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mailmock",
		Short: "In-process SMTP and POP3 server for testing mail clients",
		Long: `mailmock accepts mail over SMTP into an in-memory store and serves it
back over POP3. Accounts, their authentication behavior and seed messages are
read from a TOML file.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), version.VersionString)
		},
	})
	return root
}
