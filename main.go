// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Robolink - Robot Controller Link Runtime
//
// A CLI tool for connecting to robot controllers over serial, TCP and
// WebSocket links, and for monitoring and decoding their packets.

package main

import (
	"os"

	"github.com/Thermoquad/robolink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
