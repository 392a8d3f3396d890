// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/Thermoquad/wapilink/pkg/athandler"
	"github.com/Thermoquad/wapilink/pkg/wapi"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring the link up and keep sending test data",
	Long: `Power the module, run the init, authentication and connect stages, then
send a test payload (DE AD BE EF 04 05 06 ...) on the data socket at a fixed
rate and log the module's answers.

When the module reports that the socket is gone the pipeline is restarted
from power-up automatically. Stage results are logged and exported as
Prometheus metrics when --metrics-addr is set.

The payload size is bounded by the send buffer: a buffer of N bytes holds
(N-15)/2 payload bytes, so the default 128 byte buffer carries 56.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("auth", "cert", "Authentication (cert, pwd)")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9108)")
	runCmd.Flags().Duration("send-interval", time.Second, "Test send interval")
	runCmd.Flags().Int("payload", 56, "Test payload size in bytes")
	runCmd.Flags().Int("send-buf", wapi.SendBufSize, "Send buffer size in bytes")
}

// testPayload builds the bring-up test pattern.
func testPayload(n int) []byte {
	buf := make([]byte, n)
	copy(buf, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	for i := 4; i < n; i++ {
		buf[i] = byte(i)
	}
	return buf
}

func runRun(cmd *cobra.Command, args []string) error {
	// The signal only stops the send loop; the session stays up for the
	// disconnect.
	s, err := openSession(cmd.Context(), cfg, wapi.Callbacks{})
	if err != nil {
		return err
	}
	defer s.Close()

	log := logrus.WithField("component", "run")
	fmt.Printf("wapilink - Run\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Auth: %s, payload %d bytes every %v\n", cfg.Auth, cfg.Send.Payload, cfg.Send.Interval)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(s), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.WithField("addr", cfg.MetricsAddr).Info("Serving metrics")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = serveLink(ctx, s, cfg, log)
	fmt.Print(s.drv.Stats().AT.Framing.String())
	return err
}

// serveLink brings the link up, runs the test send loop until ctx ends and
// then closes the data socket.
func serveLink(ctx context.Context, s *session, c *Config, log *logrus.Entry) error {
	if err := s.drv.Init(); err != nil {
		return err
	}
	use := s.drv.UseCertConn
	if c.Auth == "pwd" {
		use = s.drv.UsePwdConn
	}
	if err := use(); err != nil {
		return err
	}

	sendLoop(ctx, s.drv, c.Send, log)

	if !s.drv.Ready() {
		return nil
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.drv.Disconnect(closeCtx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	log.Info("Data socket closed")
	return nil
}

// sender is the part of the driver the send loop uses.
type sender interface {
	Ready() bool
	Send(payload []byte, fn wapi.ResponseFunc) error
}

// sendLoop sends the test payload at the configured rate while the link is
// up, until ctx ends.
func sendLoop(ctx context.Context, d sender, sc SendConfig, log *logrus.Entry) {
	limiter := rate.NewLimiter(rate.Every(sc.Interval), 1)
	payload := testPayload(sc.Payload)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if !d.Ready() {
			continue
		}
		err := d.Send(payload, func(resp []byte) error {
			log.WithField("resp", string(trimLine(resp))).Debug("Send answered")
			return nil
		})
		switch {
		case err == nil:
		case errors.Is(err, athandler.ErrNotConsumed):
			log.Debug("Previous send still pending")
		case errors.Is(err, wapi.ErrSendNotReady):
			log.Debug("Link went down before send")
		default:
			log.WithError(err).Warn("Send failed")
		}
	}
}

func trimLine(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func metricsMux(s *session) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !s.drv.Ready() {
			http.Error(w, "link down", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	return mux
}
