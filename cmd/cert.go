// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/wapilink/pkg/store"
	"github.com/Thermoquad/wapilink/pkg/wapi"
)

var certUploadTimeout time.Duration

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the AS and ASUE certificates",
}

var certImportCmd = &cobra.Command{
	Use:   "import KIND FILE",
	Short: "Store a certificate file (KIND is AS or ASUE)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := store.ParseCertKind(args[0])
		if err != nil {
			return err
		}
		payload, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		data, err := store.Open(cfg.StorePath, nil)
		if err != nil {
			return err
		}
		if err := data.ImportCert(kind, payload); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %s certificate: %d bytes, %d segments\n",
			kind, len(payload), wapi.CertSegments(len(payload)))
		return nil
	},
}

var certShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := store.Open(cfg.StorePath, nil)
		if err != nil {
			return err
		}
		files, err := data.CertFiles()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range []struct {
			kind store.CertKind
			file wapi.CertFile
		}{{store.CertAS, files.AS}, {store.CertASUE, files.ASUE}} {
			if len(c.file.Payload) == 0 {
				fmt.Fprintf(out, "%-4s (none)\n", c.kind)
				continue
			}
			fmt.Fprintf(out, "%-4s %5d bytes  %3d segments  digest 0x%04X (valid: %t)\n",
				c.kind, len(c.file.Payload), wapi.CertSegments(len(c.file.Payload)), c.file.Digest, c.file.Valid())
		}
		return nil
	},
}

var certUploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Write the stored certificates to the module",
	Long: `Power and initialize the module, then write the AS and ASUE certificates
in 64 byte segments. Each segment waits for the module's acknowledgement.`,
	RunE: runCertUpload,
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certImportCmd, certShowCmd, certUploadCmd)
	certUploadCmd.Flags().DurationVar(&certUploadTimeout, "timeout", 2*time.Minute, "Overall upload timeout")
}

func runCertUpload(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), certUploadTimeout)
	defer cancel()

	s, err := openSession(ctx, cfg, wapi.Callbacks{})
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.drv.Init(); err != nil {
		return err
	}
	if err := s.waitFor(ctx, wapi.ProcessInit); err != nil {
		return err
	}
	if err := s.drv.CertUpload(ctx); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Certificates uploaded")
	return nil
}
