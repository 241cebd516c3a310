// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/robolink/pkg/transport"
)

var linkTestCmd = &cobra.Command{
	Use:   "link_test",
	Short: "Test raw link stability",
	Long: `Open the configured link without sending any protocol data.

The link is held open for --duration seconds while every chunk of received
data is logged in hex. Useful for debugging cabling, bridges and WebSocket
proxies before a controller is involved.

Exit codes:
  0 - Test completed normally
  1 - Link failed during the test
  2 - Connection error`,
	RunE: runLinkTest,
}

var linkTestDuration int

func init() {
	rootCmd.AddCommand(linkTestCmd)
	linkTestCmd.Flags().IntVar(&linkTestDuration, "duration", 30, "Test duration in seconds")
}

func runLinkTest(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	tr, err := openTransport(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer tr.Close()
	log.Debug().Stringer("transport", tr).Msg("link open")

	fmt.Printf("Link Stability Test\n")
	fmt.Printf("Connection: %s\n", tr)
	fmt.Printf("Duration: %d seconds\n\n", linkTestDuration)
	fmt.Printf("Listening for data...\n\n")

	start := time.Now()
	endTime := start.Add(time.Duration(linkTestDuration) * time.Second)
	lastBeat := start
	bytesReceived := 0
	chunksReceived := 0
	buf := make([]byte, 256)

	results := func() {
		fmt.Printf("\n--- Test Results ---\n")
		fmt.Printf("Duration: %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("Chunks received: %d\n", chunksReceived)
		fmt.Printf("Bytes received: %d\n", bytesReceived)
	}

	for time.Now().Before(endTime) {
		n, err := tr.Read(buf, 100*time.Millisecond)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				fmt.Printf("\n[%s] Link closed by peer\n", time.Now().Format("15:04:05.000"))
			} else {
				fmt.Printf("\n[%s] Link error: %v\n", time.Now().Format("15:04:05.000"), err)
			}
			results()
			fmt.Printf("Result: FAILED (link error)\n")
			os.Exit(1)
		}
		if n > 0 {
			bytesReceived += n
			chunksReceived++
			fmt.Printf("[%s] Received %d bytes: %x\n", time.Now().Format("15:04:05.000"), n, buf[:n])
		}

		// Heartbeat
		if time.Since(lastBeat) >= time.Second {
			lastBeat = time.Now()
			fmt.Printf("[%s] Still connected... (%.0fs remaining)\n",
				lastBeat.Format("15:04:05.000"), time.Until(endTime).Seconds())
		}
	}

	results()
	fmt.Printf("Result: PASSED (link stable)\n")
	return nil
}
