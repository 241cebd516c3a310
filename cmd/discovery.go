// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/robolink/pkg/framer"
	"github.com/Thermoquad/robolink/pkg/link"
	"github.com/Thermoquad/robolink/pkg/transport"
)

var (
	discoveryTimeout int
	discoveryPattern string
	discoveryBauds   []int
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Discover robot controllers on serial ports",
	Long: `Probe serial ports for robot controllers.

Each port matching --ports is opened at the configured baud rate and the
controller sync handshake (SYNC0, SYNC1, SYNC2) is attempted. Controllers
that answer report their name, class and subclass. The handshake stops
before OPEN, so discovered controllers are left idle, and a CLOSE is sent
before the port is released.

Examples:
  # Probe every serial port at 9600 baud
  robolink discovery

  # Only USB adapters, at 115200 baud
  robolink discovery --ports '/dev/ttyUSB*' --baud 115200

  # Try 9600 first, then 38400, on each port
  robolink discovery --bauds 9600,38400

Exit codes:
  0 - Discovery successful (at least one controller found)
  1 - Discovery failed (no controllers answered)
  2 - Ports could not be listed`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 3, "Timeout in seconds per port")
	discoveryCmd.Flags().StringVar(&discoveryPattern, "ports", "*", "Glob of port names to probe")
	discoveryCmd.Flags().IntSliceVar(&discoveryBauds, "bauds", nil, "Baud rates to try in order (default: --baud)")
}

type discoveredRobot struct {
	port     string
	baud     int
	identity link.RobotIdentity
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	ports, err := transport.ListSerialPorts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot list serial ports: %v\n", err)
		os.Exit(2)
	}

	bauds := discoveryBauds
	if len(bauds) == 0 {
		bauds = []int{cfg.Link.Baud}
	}

	fmt.Printf("Robolink - Controller Discovery\n")
	fmt.Printf("Baud: %s\n", strings.Trim(fmt.Sprint(bauds), "[]"))
	fmt.Printf("Timeout: %d seconds per port and baud\n\n", discoveryTimeout)

	found := make([]discoveredRobot, 0)
	for _, port := range ports {
		if ok, _ := filepath.Match(discoveryPattern, port); !ok {
			continue
		}
		fmt.Printf("Probing %s... ", port)

		id, baud, err := probePort(port, bauds, time.Duration(discoveryTimeout)*time.Second, cfg.Connection.HandshakeRetries)
		if err != nil {
			log.Debug().Err(err).Str("port", port).Msg("probe failed")
			fmt.Printf("no controller\n")
			continue
		}
		found = append(found, discoveredRobot{port: port, baud: baud, identity: id})
		fmt.Printf("found at %d baud\n", baud)
		fmt.Printf("  Name: %s\n", id.Name)
		fmt.Printf("  Class: %s\n", id.Class)
		fmt.Printf("  Subclass: %s\n", id.Subclass)
	}

	// Summary
	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Controllers found: %d\n", len(found))
	for _, r := range found {
		fmt.Printf("  %s @ %d: %s (%s/%s)\n", r.port, r.baud, r.identity.Name, r.identity.Class, r.identity.Subclass)
	}

	if len(found) == 0 {
		fmt.Printf("No controllers discovered. Check cabling, power and --baud.\n")
		os.Exit(1)
	}
	return nil
}

// probePort runs the sync steps of the controller handshake on one port,
// trying each baud rate in turn. It returns the identity and the baud rate
// that answered.
func probePort(port string, bauds []int, timeout time.Duration, attempts int) (link.RobotIdentity, int, error) {
	tr, err := transport.OpenSerial(port, bauds[0])
	if err != nil {
		return link.RobotIdentity{}, 0, err
	}
	defer tr.Close()

	f, err := framer.NewBinary(framer.RobotProtocol())
	if err != nil {
		return link.RobotIdentity{}, 0, err
	}

	var lastErr error
	for i, baud := range bauds {
		if i > 0 {
			if err := tr.SetBaudRate(baud); err != nil {
				return link.RobotIdentity{}, 0, err
			}
		}

		var id link.RobotIdentity
		hs := link.SyncSteps(f, &id)
		hs.Attempts = attempts
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		lastErr = hs.Handshake(ctx, tr)
		cancel()
		if lastErr != nil {
			continue
		}

		// Leave the controller unsynced for the next client
		if frame, err := f.Encode(f.NewPacket(link.CommandClose)); err == nil {
			tr.Write(frame)
		}
		return id, baud, nil
	}
	return link.RobotIdentity{}, 0, lastErr
}
