// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/robolink/pkg/packet"
)

var (
	runStatsInterval int
	runShowPackets   bool
	runReconnect     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and run the task cycle",
	Long: `Connect to the robot, perform the configured handshake and run the
fixed-period task cycle until interrupted.

Received packets are dispatched at the start of each tick. Link statistics
are logged periodically. With --reconnect the link is re-established after
a stale timeout, a degraded link or a transport error.

Ctrl+C disconnects (sending CLOSE to a synced controller) and stops the
cycle after the current tick.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVarP(&runStatsInterval, "stats", "s", 10, "Statistics log interval in seconds (0 disables)")
	runCmd.Flags().BoolVar(&runShowPackets, "show-packets", false, "Print every received packet")
	runCmd.Flags().BoolVar(&runReconnect, "reconnect", false, "Reconnect after the link drops")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := newRobot(cfg, log)
	if err != nil {
		return err
	}

	if runShowPackets {
		// Lowest priority, so it only sees packets nothing else claimed
		task, err := r.AddPacketHandler("print", nil, func(p *packet.Packet) bool {
			fmt.Print(packet.FormatPacket(p))
			return true
		}, 1<<20)
		if err != nil {
			return err
		}
		// A slow terminal is not a cycle problem
		task.SetWarningTime(-1)
	}

	if runStatsInterval > 0 {
		interval := time.Duration(runStatsInterval) * time.Second
		next := time.Now().Add(interval)
		_, err := r.AddUserTask("stats-log", 0, func() {
			if time.Now().Before(next) {
				return
			}
			next = time.Now().Add(interval)
			logStatus(cfg.Protocol.Name, r.Stats(), log.Info())
		})
		if err != nil {
			return err
		}
	}

	r.AddConnectCallback(func() {
		id := r.Identity()
		if id.Name != "" {
			log.Info().Str("name", id.Name).Str("class", id.Class).Str("subclass", id.Subclass).Msg("robot identified")
		}
	}, 0)

	if runReconnect {
		reconnect := func() {
			if ctx.Err() != nil {
				return
			}
			time.AfterFunc(time.Second, func() {
				if ctx.Err() == nil {
					r.ConnectAsync(ctx)
				}
			})
		}
		r.AddDisconnectOnErrorCallback(func(error) { reconnect() }, 0)
		r.AddFailedConnectCallback(func(error) { reconnect() }, 0)
	}

	timeout := time.Duration(cfg.Connection.ConnectTimeoutMS) * time.Millisecond
	if err := r.ConnectBlocking(ctx, timeout); err != nil && !runReconnect {
		return err
	}

	if err := r.Start(ctx); err != nil {
		return err
	}
	log.Info().Dur("period", time.Duration(cfg.Cycle.PeriodMS)*time.Millisecond).Msg("task cycle running")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	r.Disconnect()
	r.StopRunning()
	r.Wait()

	fmt.Printf("\n%s", r.Statistics())
	return nil
}
