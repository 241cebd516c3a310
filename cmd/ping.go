// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/robolink/pkg/framer"
	"github.com/Thermoquad/robolink/pkg/link"
	"github.com/Thermoquad/robolink/pkg/packet"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send alive packets and wait for the echo",
	Long: `Send alive packets (id 0, no body) and wait for the device to echo them.

Controllers echo the alive packet while unsynchronized, and loopback
bridges echo everything, so this verifies:
  - The link opens (serial port, TCP or WebSocket with Basic auth)
  - Outbound frames carry a checksum the device accepts
  - Bidirectional packet flow works

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 2, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	conn, err := openTransport(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	f, err := framer.New(cfg.Protocol.Name, framer.WithLogger(log))
	if err != nil {
		return err
	}

	fmt.Printf("Robolink - Ping Test\n")
	fmt.Printf("Connection: %s\n", conn)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	failCount := 0

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		wire, err := f.Encode(f.NewPacket(link.Sync0))
		if err != nil {
			return err
		}

		startTime := time.Now()
		if _, err := conn.Write(wire); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(pingTimeout)*time.Second)
		var reply *packet.Packet
		err = feedAll(ctx, conn, f, func(p *packet.Packet, ferr error) error {
			// Ignore anything but the echo (telemetry, bad frames)
			if ferr != nil || (p.HasID() && p.ID() != link.Sync0) {
				return nil
			}
			reply = p
			return errStopFeed
		})
		cancel()

		switch {
		case reply != nil:
			fmt.Printf("reply len=%d, rtt=%v\n", reply.Length(), time.Since(startTime).Round(time.Millisecond))
			successCount++
		case err != nil:
			fmt.Printf("READ FAILED: %v\n", err)
			failCount++
		default:
			fmt.Printf("TIMEOUT (no response in %ds)\n", pingTimeout)
			failCount++
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
