package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stefando/chunkedUpload/internal/config"
	"github.com/stefando/chunkedUpload/internal/logger"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "uploader",
	Short: "Chunked multipart uploader",
	Long: `uploader sends large files to S3-compatible storage in parts through
presigned URLs handed out by an upload backend. It also runs that backend.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initialize,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config_dir", "", "Directory for configuration files")
	rootCmd.PersistentFlags().String("log_level", "", "Log level: debug, info, warn or error")
}

// initialize loads configuration and sets up logging before any command runs
func initialize(cmd *cobra.Command, _ []string) error {
	flags := NewFlagLoader(cmd, viper.GetViper())
	logger.Init(flags.String("log_level"), os.Stderr)

	if _, err := config.Load(viper.GetViper(), configDir, false); err != nil {
		return err
	}
	logger.Init(flags.String("log_level"), os.Stderr)
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}
