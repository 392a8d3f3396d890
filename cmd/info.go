// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/wapilink/pkg/store"
	"github.com/Thermoquad/wapilink/pkg/wapi"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show or edit the stored connection record",
}

var infoShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the connection record",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := store.Open(cfg.StorePath, nil)
		if err != nil {
			return err
		}
		info, err := data.WAPIInfo()
		if err != nil {
			return err
		}
		printInfo(cmd.OutOrStdout(), data.Path(), info)
		return nil
	},
}

var infoResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the factory connection record",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := store.Open(cfg.StorePath, nil)
		if err != nil {
			return err
		}
		info, err := data.WAPIInfo()
		if err != nil {
			return err
		}
		hasCert := info.HasCert
		info.Reset()
		info.HasCert = hasCert
		return data.SetInfo(*info)
	},
}

// infoEdit holds the `info set` flags. Empty fields are left unchanged.
type infoEdit struct {
	server     string
	localPort  uint16
	localIP    string
	mask       string
	gateway    string
	ssid       string
	passphrase bool
}

var edit infoEdit

var infoSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change fields of the connection record",
	Long: `Change fields of the connection record and store it with a fresh digest.

The WAPI passphrase is never taken from a flag: --passphrase reads it from
WAPILINK_WAPI_PASSWORD or prompts for it.

Example:
  wapilink info set --server 192.168.0.195:666 --ip 192.168.0.66 --ssid WAPI-24G-8825 --passphrase`,
	RunE: runInfoSet,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.AddCommand(infoShowCmd, infoSetCmd, infoResetCmd)

	f := infoSetCmd.Flags()
	f.StringVar(&edit.server, "server", "", "Server address (ip:port)")
	f.Uint16Var(&edit.localPort, "local-port", 0, "Local TCP port")
	f.StringVar(&edit.localIP, "ip", "", "Static module address")
	f.StringVar(&edit.mask, "mask", "", "Subnet mask")
	f.StringVar(&edit.gateway, "gateway", "", "Gateway address")
	f.StringVar(&edit.ssid, "ssid", "", "Network name")
	f.BoolVar(&edit.passphrase, "passphrase", false, "Set the WAPI passphrase (prompted)")
}

func parseIPv4(name, s string) ([4]byte, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return [4]byte{}, fmt.Errorf("%s: %q is not an IPv4 address", name, s)
	}
	return addr.As4(), nil
}

// apply writes the edited fields into info. It does not touch info when
// any field is invalid.
func (e infoEdit) apply(info *wapi.Info, passphrase string) error {
	next := *info

	if e.server != "" {
		ap, err := netip.ParseAddrPort(e.server)
		if err != nil || !ap.Addr().Is4() {
			return fmt.Errorf("server: %q is not an IPv4 ip:port", e.server)
		}
		next.ServerIP = ap.Addr().As4()
		next.ServerPort = ap.Port()
	}
	if e.localPort != 0 {
		next.LocalPort = e.localPort
	}
	for _, f := range []struct {
		name, val string
		dst       *[4]byte
	}{
		{"ip", e.localIP, &next.LocalIP},
		{"mask", e.mask, &next.Mask},
		{"gateway", e.gateway, &next.Gateway},
	} {
		if f.val == "" {
			continue
		}
		ip, err := parseIPv4(f.name, f.val)
		if err != nil {
			return err
		}
		*f.dst = ip
	}
	if e.ssid != "" {
		next.SSID = e.ssid
	}
	if e.passphrase {
		next.Password = passphrase
	}

	if err := next.Finalize(); err != nil {
		return err
	}
	*info = next
	return nil
}

func runInfoSet(cmd *cobra.Command, args []string) error {
	data, err := store.Open(cfg.StorePath, nil)
	if err != nil {
		return err
	}
	info, err := data.WAPIInfo()
	if err != nil {
		return err
	}

	var pass string
	if edit.passphrase {
		if pass, err = GetPassword("WAPILINK_WAPI_PASSWORD", "WAPI passphrase"); err != nil {
			return err
		}
	}
	if err := edit.apply(info, pass); err != nil {
		return err
	}
	if err := data.SetInfo(*info); err != nil {
		return err
	}
	printInfo(cmd.OutOrStdout(), data.Path(), info)
	return nil
}

func printInfo(out io.Writer, path string, info *wapi.Info) {
	ip := func(b [4]byte) string { return netip.AddrFrom4(b).String() }

	fmt.Fprintf(out, "Store:       %s\n", path)
	fmt.Fprintf(out, "Server:      %s\n", info.ServerAddr())
	fmt.Fprintf(out, "Local port:  %d\n", info.LocalPort)
	fmt.Fprintf(out, "Address:     %s/%s via %s\n", ip(info.LocalIP), ip(info.Mask), ip(info.Gateway))
	fmt.Fprintf(out, "SSID:        %s\n", info.SSID)
	fmt.Fprintf(out, "Passphrase:  %s\n", maskSecret(info.Password))
	fmt.Fprintf(out, "Certificate: %t\n", info.HasCert)
	fmt.Fprintf(out, "Digest:      0x%04X (valid: %t)\n", info.Digest, info.Valid())
}

func maskSecret(s string) string {
	if s == "" {
		return "(none)"
	}
	return fmt.Sprintf("(%d characters)", len(s))
}
