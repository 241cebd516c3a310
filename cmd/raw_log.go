// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/robolink/pkg/framer"
	"github.com/Thermoquad/robolink/pkg/packet"
	"github.com/Thermoquad/robolink/pkg/transport"
)

var rawLogErrors bool

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw packet log in human-readable format",
	Long: `Continuously frame and display packets as they arrive.

Each verified frame is printed with its timestamp, protocol, id and a hex
dump of the body. No handshake is performed and nothing is sent, so this
works against a live device, a bridge, or a --replay capture.

Supports serial, TCP, WebSocket and replay connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&rawLogErrors, "errors", true, "Print discarded frames")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	f, err := framer.New(cfg.Protocol.Name, framer.WithLogger(log))
	if err != nil {
		return err
	}

	fmt.Printf("Robolink - Raw Packet Log\n")
	fmt.Printf("Connection: %s\n", conn)
	fmt.Printf("Protocol: %s\n", cfg.Protocol.Name)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	err = feedAll(ctx, conn, f, func(p *packet.Packet, ferr error) error {
		if ferr != nil {
			if rawLogErrors {
				fmt.Printf("[ERROR] %v\n", ferr)
			}
			return nil
		}
		fmt.Print(packet.FormatPacket(p))
		return nil
	})
	// A closed connection or an exhausted replay ends the log normally
	if errors.Is(err, transport.ErrClosed) {
		log.Info().Msg("connection closed")
		err = nil
	}

	fmt.Printf("\n%s", f.Stats())
	return err
}
