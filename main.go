// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// wapilink - M0804C WAPI module link tool
//
// A CLI tool for bringing up an M0804C WAPI module and exchanging data over
// its AT command interface.

package main

import (
	"os"

	"github.com/Thermoquad/wapilink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
