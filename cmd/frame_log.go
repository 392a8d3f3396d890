// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/wapilink/pkg/dmaring"
	"github.com/Thermoquad/wapilink/pkg/uartproto"
)

var (
	frameLogCodes   []uint
	frameLogFirst   bool
	frameLogTimeout time.Duration
)

var frameLogCmd = &cobra.Command{
	Use:   "frame_log",
	Short: "Decode function-code frames from the link",
	Long: `Run the framing layer in function-code mode over the connection and print
every valid frame (0x7E LEN CODE PAYLOAD CRC16 0x7F) with its code and payload.

With --first the command waits for one valid frame until --timeout:

Exit codes (--first):
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error

Supports both serial and WebSocket connections.`,
	RunE: runFrameLog,
}

func init() {
	rootCmd.AddCommand(frameLogCmd)
	frameLogCmd.Flags().UintSliceVar(&frameLogCodes, "code", nil, "Function codes to show (default all)")
	frameLogCmd.Flags().BoolVar(&frameLogFirst, "first", false, "Exit after the first valid frame")
	frameLogCmd.Flags().DurationVar(&frameLogTimeout, "timeout", 10*time.Second, "Timeout for --first")
}

// receivedFrame is one frame handed out by the framing layer.
type receivedFrame struct {
	at      time.Time
	code    uint8
	payload []byte
}

func (f receivedFrame) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] CODE 0x%02X len=%d\n", f.at.Format("15:04:05.000"), f.code, len(f.payload))
	if len(f.payload) == 0 {
		b.WriteString("  (no payload)\n")
		return b.String()
	}
	b.WriteString("  Payload: ")
	for i, c := range f.payload {
		if i > 0 && i%16 == 0 {
			b.WriteString("\n           ")
		}
		fmt.Fprintf(&b, "%02X ", c)
	}
	b.WriteString("\n")
	return b.String()
}

// frameTap runs a function-code framing layer over a ring and forwards
// decoded frames to a channel.
type frameTap struct {
	ring   *dmaring.Ring
	proto  *uartproto.Proto
	frames chan receivedFrame
}

func newFrameTap(ctx context.Context, w io.Writer, codes []uint) (*frameTap, error) {
	if len(codes) == 0 {
		for c := 0; c <= 0xFF; c++ {
			codes = append(codes, uint(c))
		}
	}

	t := &frameTap{
		ring:   dmaring.New(ringSize, w),
		frames: make(chan receivedFrame, 64),
	}
	proto, err := uartproto.New(uartproto.Config{
		Buffer:         t.ring.Buffer(),
		UART:           t.ring,
		Algorithm:      uartproto.FunctionCode{},
		QueueDepth:     16,
		MaxSubscribers: len(codes),
	})
	if err != nil {
		return nil, err
	}
	t.proto = proto
	if err := proto.Start(ctx); err != nil {
		return nil, err
	}

	for _, c := range codes {
		if c > 0xFF {
			proto.Close()
			return nil, fmt.Errorf("function code %d out of range", c)
		}
		code := uint8(c)
		_, err := proto.Subscribe(code, func(payload []byte) {
			f := receivedFrame{at: time.Now(), code: code, payload: append([]byte(nil), payload...)}
			select {
			case t.frames <- f:
			default:
			}
		})
		if err != nil {
			proto.Close()
			return nil, err
		}
	}
	t.ring.OnIdle(proto.Notify)
	t.ring.OnError(proto.Reset)
	return t, nil
}

func (t *frameTap) Close() error {
	return t.proto.Close()
}

func runFrameLog(cmd *cobra.Command, args []string) error {
	if cfg.Simulate {
		return fmt.Errorf("frame_log needs a real connection")
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	conn, connInfo, err := OpenConnection(ctx, cfg)
	if err != nil {
		if frameLogFirst {
			fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
			os.Exit(2)
		}
		return err
	}
	defer conn.Close()

	tap, err := newFrameTap(ctx, conn, frameLogCodes)
	if err != nil {
		return err
	}
	defer tap.Close()

	fmt.Printf("wapilink - Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	if frameLogFirst {
		fmt.Printf("Timeout: %v\n", frameLogTimeout)
		fmt.Printf("Waiting for a valid frame...\n\n")
	} else {
		fmt.Printf("Press Ctrl+C to exit\n\n")
	}

	pumped := make(chan error, 1)
	go func() { pumped <- tap.ring.Pump(ctx, conn) }()

	var deadline <-chan time.Time
	if frameLogFirst {
		deadline = time.After(frameLogTimeout)
	}

	for {
		select {
		case f := <-tap.frames:
			fmt.Print(f)
			if frameLogFirst {
				st := tap.proto.Stats()
				if st.NoiseBytes > 0 {
					fmt.Printf("(skipped %d noise bytes before sync)\n", st.NoiseBytes)
				}
				return nil
			}

		case err := <-pumped:
			if err == nil || errors.Is(err, context.Canceled) {
				fmt.Print(tap.proto.Stats())
				return nil
			}
			if frameLogFirst {
				fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
				os.Exit(2)
			}
			return err

		case <-deadline:
			fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %v\n", frameLogTimeout)
			os.Exit(1)
		}
	}
}
