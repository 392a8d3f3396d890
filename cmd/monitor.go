// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/wapilink/pkg/wapi"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI for the module link",
	Long: `Bring the link up and watch it in an interactive terminal UI.

Features:
  - Link state with uptime and authentication mode
  - AT, framing and process engine counters
  - Stage event log
  - Raw AT lines and data sends from the input line
    ("AT+WAPICT=?" or "send DEADBEEF")

Supports serial, WebSocket and simulated connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().String("auth", "cert", "Authentication (cert, pwd)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cfg, wapi.Callbacks{})
	if err != nil {
		return err
	}
	defer s.Close()

	// Log lines would tear the alternate screen.
	logrus.SetOutput(io.Discard)

	if err := s.drv.Init(); err != nil {
		return err
	}
	use := s.drv.UseCertConn
	if cfg.Auth == "pwd" {
		use = s.drv.UsePwdConn
	}
	if err := use(); err != nil {
		return err
	}

	p := tea.NewProgram(newMonitorModel(s.drv, s.info, s.events), tea.WithContext(ctx))
	_, err = p.Run()
	return err
}
