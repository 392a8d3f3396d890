// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/wapilink/pkg/wapi"
)

var (
	atList    bool
	atTimeout time.Duration
	atSkipUp  bool
)

var atCmd = &cobra.Command{
	Use:   "at [LINE...]",
	Short: "Send raw AT command lines and print the answers",
	Long: `Send one or more raw AT command lines to the module and print each answer.

The module is powered and initialized first (echo off, dual band, TX power)
unless --no-init is given. CRLF is appended to every line.

Examples:
  wapilink at --simulate ATI
  wapilink at --port /dev/ttyUSB0 'AT+WAPICT=?' 'AT+NSTOP,1'
  wapilink at --list`,
	RunE: runAT,
}

func init() {
	rootCmd.AddCommand(atCmd)
	atCmd.Flags().BoolVar(&atList, "list", false, "List the AT command table and exit")
	atCmd.Flags().DurationVar(&atTimeout, "timeout", 2*time.Second, "Timeout per command")
	atCmd.Flags().BoolVar(&atSkipUp, "no-init", false, "Skip power-up and the init stage")
}

// printCommandTable writes the AT table as aligned columns.
func printCommandTable(out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTEMPLATE\tEXPECT")
	for _, c := range wapi.Commands() {
		fmt.Fprintf(w, "%d\t%s\t%q\t%q\n", c.ID, c.Name, c.Template, c.Expect)
	}
	w.Flush()
}

// atLine normalizes a command line argument.
func atLine(arg string) []byte {
	return []byte(strings.TrimRight(arg, "\r\n") + "\r\n")
}

func runAT(cmd *cobra.Command, args []string) error {
	if atList {
		printCommandTable(cmd.OutOrStdout())
		return nil
	}
	if len(args) == 0 {
		return fmt.Errorf("no command lines given")
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, cfg, wapi.Callbacks{})
	if err != nil {
		return err
	}
	defer s.Close()

	if !atSkipUp {
		if err := s.drv.Init(); err != nil {
			return err
		}
		if err := s.waitFor(ctx, wapi.ProcessInit); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	for _, arg := range args {
		line := atLine(arg)
		fmt.Fprintf(out, "> %s\n", strings.TrimSpace(string(line)))

		cmdCtx, cancel := context.WithTimeout(ctx, atTimeout)
		resp, err := s.drv.Exchange(cmdCtx, line)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", strings.TrimSpace(arg), err)
		}
		for _, l := range strings.Split(strings.TrimRight(string(resp), "\r\n"), "\n") {
			fmt.Fprintf(out, "< %s\n", strings.TrimRight(l, "\r"))
		}
	}
	return nil
}
