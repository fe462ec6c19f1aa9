package main

import (
	"fmt"
	"os"

	"github.com/mcbpd/mcbpd/cmd/mcbpd/serve"
	"github.com/spf13/cobra"
)

const Version = "0.1.0"

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "mcbpd",
		Short: "memcached binary protocol front-end server",
		Long: fmt.Sprintf(`mcbpd (v%s)

A memcached-compatible binary protocol front-end server: connection
state machine, reactor pool, CDC producer shim and RBAC funnel in
front of a pluggable storage engine.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of mcbpd",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mcbpd v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
