// Package main provides the CLI entry point for the shadow-tunnel hops.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shadow-tunnel",
		Short: "shadow-tunnel - two-hop encrypted SOCKS5 tunnel",
		Long: `shadow-tunnel carries SOCKS5 sessions between two hops.

The local hop accepts plain SOCKS5 clients and forwards each session to the
remote hop over the shadow protocol. The remote hop authenticates the local
hop by token and performs CONNECT, BIND and UDP ASSOCIATE on its behalf.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(localCmd())
	rootCmd.AddCommand(remoteCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(hashTokenCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shadow-tunnel %s\n", Version)
		},
	}
}
