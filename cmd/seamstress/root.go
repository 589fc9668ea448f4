package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Quiet      bool
}

// NewRootCommand creates the CLI. Without a subcommand it runs the script.
func NewRootCommand(version string) *cobra.Command {
	root := &RootOptions{}
	run := &RunOptions{RootOptions: root, Version: version}

	cmd := &cobra.Command{
		Use:   "seamstress",
		Short: "seamstress is a Lua runtime for live control",
		Long: `seamstress loads a Lua script and feeds it OSC messages, device
hot-plug events and lines typed on stdin, one event at a time.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeamstress(cmd, run)
		},
	}

	cmd.PersistentFlags().StringVarP(&root.ConfigPath, "config", "c", "", "config file (.toml, .yaml, .json)")
	cmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVarP(&root.Quiet, "quiet", "q", false, "only log errors and skip the banner")
	addRunFlags(cmd, run)

	cmd.AddCommand(NewRunCommand(run))
	cmd.AddCommand(NewVersionCommand(version))
	cmd.AddCommand(NewSendCommand(root))
	return cmd
}

// NewVersionCommand prints the version the way the banner does.
func NewVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the seamstress version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "seamstress version: %s\n", version)
		},
	}
}
