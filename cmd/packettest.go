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

	"github.com/Thermoquad/robolink/pkg/framer"
	"github.com/Thermoquad/robolink/pkg/packet"
)

var (
	packetTestTimeout int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid packet",
	Long: `Wait for a valid packet on the connection until timeout.

This command opens the configured link and waits for any frame of the
configured protocol that passes its checksum. Bytes that do not frame are
skipped and counted.

Exit codes:
  0 - Packet received before timeout
  1 - Timeout reached without receiving a valid packet
  2 - Connection error

Useful for checking wiring, baud rate and protocol selection.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestTimeout, "timeout", 10, "Timeout in seconds to wait for a packet")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
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

	fmt.Printf("Robolink - Packet Test\n")
	fmt.Printf("Connection: %s\n", conn)
	fmt.Printf("Timeout: %d seconds\n", packetTestTimeout)
	fmt.Printf("Waiting for valid %s packet...\n\n", cfg.Protocol.Name)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(packetTestTimeout)*time.Second)
	defer cancel()

	var got *packet.Packet
	err = feedAll(ctx, conn, f, func(p *packet.Packet, ferr error) error {
		if ferr != nil {
			return nil
		}
		got = p
		return errStopFeed
	})

	switch {
	case got != nil:
		if d := f.Stats().DiscardedBytes; d > 0 {
			fmt.Printf("(skipped %d invalid bytes before sync)\n", d)
		}
		fmt.Printf("SUCCESS: Received valid packet\n")
		fmt.Print(packet.FormatPacket(got))
		os.Exit(0)

	case err != nil:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid packet received within %d seconds\n", packetTestTimeout)
		os.Exit(1)
	}

	return nil
}
