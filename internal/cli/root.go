// Package cli provides the command-line interface for vmdeck.
package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/javanstorm/vmdeck/internal/config"
	"github.com/javanstorm/vmdeck/internal/logging"
)

// log is configured by the root command before any subcommand runs.
var log = logrus.NewEntry(logrus.StandardLogger())

var rootCmd = &cobra.Command{
	Use:   "vmdeck",
	Short: "vmdeck - manage QEMU and Apple Virtualization machines",
	Long: `vmdeck keeps a library of virtual machines and runs them on QEMU
(in-process KVM or libvirt) or Apple Virtualization.

Machines are created with an interactive wizard, started in the foreground
with 'vmdeck run', or managed by the 'vmdeck serve' daemon, which accepts
vmdeck:// command links and MCP tool calls.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that don't need it
		switch cmd.Name() {
		case "version", "completion", "help":
			return nil
		}
		if err := config.Load(); err != nil {
			return err
		}
		logger, err := logging.Setup(config.Global.LogLevel, config.Global.LogFormat, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		log = logrus.NewEntry(logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("data-dir", "", "Machine library directory")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-format", "", "Log format (text, json)")
	flags.String("listen", "", "Daemon address used by serve and the control commands")
	viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
	viper.BindPFlag("log_format", flags.Lookup("log-format"))
	viper.BindPFlag("listen_addr", flags.Lookup("listen"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(useCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(driveCmd)
	rootCmd.AddCommand(shareCmd)
	rootCmd.AddCommand(flagCmd)
	rootCmd.AddCommand(displayCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(importCmd)
	for _, c := range controlCmds {
		rootCmd.AddCommand(c)
	}
}
