// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/Thermoquad/wapilink/pkg/wapi"
)

var (
	pingTimeout  time.Duration
	pingCount    int
	pingInterval time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the AT link with repeated AT probes",
	Long: `Send "AT" to the module and wait for "+OK", measuring the round trip.

This command tests bidirectional traffic through the whole receive path
(transport, DMA ring, framing layer and AT handler). The module is powered
and initialized first.

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 2*time.Second, "Timeout for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
	pingCmd.Flags().DurationVar(&pingInterval, "interval", 100*time.Millisecond, "Delay between pings")
}

// pingResult summarizes a ping run.
type pingResult struct {
	sent, ok int
	rtts     []time.Duration
}

func (r pingResult) loss() float64 {
	if r.sent == 0 {
		return 0
	}
	return float64(r.sent-r.ok) / float64(r.sent) * 100
}

// exchanger is the part of the driver a ping uses.
type exchanger interface {
	Exchange(ctx context.Context, line []byte) ([]byte, error)
}

// ping probes d count times, printing one line per probe.
func ping(ctx context.Context, d exchanger, count int, every, timeout time.Duration, out io.Writer) pingResult {
	var res pingResult
	limiter := rate.NewLimiter(rate.Every(every), 1)

	for i := 1; i <= count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		fmt.Fprintf(out, "Ping %d/%d: ", i, count)
		res.sent++

		start := time.Now()
		pctx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := d.Exchange(pctx, []byte("AT\r\n"))
		cancel()
		rtt := time.Since(start)

		switch {
		case err != nil:
			fmt.Fprintf(out, "FAILED: %v\n", err)
		case !bytes.Contains(resp, []byte(wapi.RespOK)):
			fmt.Fprintf(out, "BAD ANSWER %q\n", resp)
		default:
			fmt.Fprintf(out, "OK rtt=%v\n", rtt.Round(time.Millisecond))
			res.ok++
			res.rtts = append(res.rtts, rtt)
		}
	}
	return res
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cfg, wapi.Callbacks{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer s.Close()

	fmt.Printf("wapilink - AT Ping\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Timeout: %v per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	if err := s.drv.Init(); err != nil {
		return err
	}
	if err := s.waitFor(ctx, wapi.ProcessInit); err != nil {
		fmt.Fprintf(os.Stderr, "Init failed: %v\n", err)
		s.Close()
		os.Exit(2)
	}

	res := ping(ctx, s.drv, pingCount, pingInterval, pingTimeout, os.Stdout)

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d answers received, %.0f%% loss\n", res.sent, res.ok, res.loss())
	if len(res.rtts) > 0 {
		lo, hi, sum := res.rtts[0], res.rtts[0], time.Duration(0)
		for _, d := range res.rtts {
			lo, hi, sum = min(lo, d), max(hi, d), sum+d
		}
		fmt.Printf("rtt min/avg/max = %v/%v/%v\n",
			lo.Round(time.Microsecond), (sum / time.Duration(len(res.rtts))).Round(time.Microsecond), hi.Round(time.Microsecond))
	}

	if res.ok < res.sent {
		s.Close()
		os.Exit(1)
	}
	return nil
}
