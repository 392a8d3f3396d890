// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rawLogHex bool

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw module output line by line",
	Long: `Continuously print what the module sends, one timestamped line per CRLF
terminated line. Non-printable bytes are escaped; --hex prints a hex dump
instead.

Nothing is written to the module, so this can run next to another host.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&rawLogHex, "hex", false, "Print a hex dump of each line")
}

// lineSplitter accumulates received bytes and yields complete lines.
type lineSplitter struct {
	buf []byte
	max int
}

// push appends p and returns every completed line, terminator included. A
// line longer than max is flushed unterminated.
func (s *lineSplitter) push(p []byte) [][]byte {
	var out [][]byte
	for _, b := range p {
		s.buf = append(s.buf, b)
		if b == '\n' || len(s.buf) >= s.max {
			out = append(out, s.buf)
			s.buf = nil
		}
	}
	return out
}

func formatRawLine(ts time.Time, line []byte, hex bool) string {
	stamp := ts.Format("15:04:05.000")
	if hex {
		var b strings.Builder
		for i, c := range line {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%02X", c)
		}
		return fmt.Sprintf("[%s] (%3d) %s\n", stamp, len(line), b.String())
	}
	return fmt.Sprintf("[%s] %s\n", stamp, strings.Trim(fmt.Sprintf("%q", line), `"`))
}

func runRawLog(cmd *cobra.Command, args []string) error {
	if cfg.Simulate {
		return fmt.Errorf("raw_log needs a real connection")
	}
	conn, connInfo, err := OpenConnection(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("wapilink - Raw Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	split := &lineSplitter{max: 256}
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		now := time.Now()
		for _, line := range split.push(buf[:n]) {
			fmt.Print(formatRawLine(now, line, rawLogHex))
		}
		if err == nil {
			continue
		}
		// For WebSocket connections, a read error usually means
		// the connection is permanently closed - exit gracefully
		if errors.Is(err, ErrConnectionClosed) || errors.Is(err, io.EOF) {
			logrus.Info("Connection closed")
			return nil
		}
		return fmt.Errorf("read: %w", err)
	}
}
