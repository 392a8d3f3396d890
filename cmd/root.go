// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

var (
	// Configuration sources
	configPath string
	envFile    string

	// cfg is loaded before every command runs.
	cfg *Config
)

var rootCmd = &cobra.Command{
	Use:   "wapilink",
	Short: "M0804C WAPI module link tool",
	Long: `wapilink - drives an M0804C WAPI module over its AT command interface.

Brings the module up (power, init, certificate or password authentication,
static IP and TCP connect), keeps the link alive, and provides tools for
sending raw AT commands, uploading certificates and inspecting traffic.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200] [--power lines]
  WebSocket: --url ws://host/path [--username user]
  Simulated: --simulate

Configuration is read from --config (YAML), then WAPILINK_* environment
variables (a .env file is loaded first), then flags.

For WebSocket authentication, the password is read from the WAPILINK_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadRuntime,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&envFile, "env-file", "", "dotenv file (default .env when present)")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (text, json)")

	// Serial connection flags
	pf.StringP("port", "p", "", "Serial port device")
	pf.IntP("baud", "b", 115200, "Baud rate (serial only)")
	pf.String("power", "none", "Module power control (none, lines)")
	pf.Bool("active-low", false, "Invert the DTR/RTS power lines")
	pf.Duration("settle", 2*time.Second, "Wait after each module power transition")

	// WebSocket connection flags
	pf.StringP("url", "u", "", "WebSocket URL (ws:// or wss://)")
	pf.String("username", "", "Username for HTTP Basic auth")
	pf.Bool("no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	pf.Bool("simulate", false, "Use a simulated module instead of a connection")
	pf.String("store", "wapilink.cbor", "Connection record and certificate store")
}

func loadRuntime(cmd *cobra.Command, args []string) error {
	c, err := LoadConfig(
		WithDefaults(),
		WithEnvFile(envFile),
		WithFile(configPath),
		WithEnv(),
		WithFlags(cmd.Flags()),
	)
	if err != nil {
		return err
	}
	if err := setupLogging(c.Log, cmd.ErrOrStderr()); err != nil {
		return err
	}
	cfg = c
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
