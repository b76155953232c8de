// Package cmd provides the CLI commands for sessionwarden.
package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sessionwarden/sessionwarden/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sessionwarden",
	Short: "sessionwarden - client session lifecycle daemon",
	Long: `sessionwarden keeps a client login session alive and honest.

It tracks user activity against an inactivity budget, warns before the
session runs out, honors the backend's absolute expiry, and coordinates
logout and activity across instances sharing the same session, exposing
it all over a loopback HTTP API for the presentation layer.

Quick start:
  1. Create a config file: sessionwarden init
  2. Run: sessionwarden start

Configuration:
  Config is loaded from sessionwarden.yaml in the current directory,
  $HOME/.sessionwarden/, or /etc/sessionwarden/.

  Environment variables can override config values with the SESSIONWARDEN_
  prefix. Example: SESSIONWARDEN_SERVER_HTTP_ADDR=127.0.0.1:7500

Commands:
  start       Start the session daemon
  init        Write a default config file
  reset       Remove the persisted session state
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sessionwarden.yaml)")
}

func initConfig() {
	// A local .env is convenient for SESSIONWARDEN_ overrides in dev.
	_ = godotenv.Load()
	_ = config.InitViper(cfgFile)
}
