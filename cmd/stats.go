// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/robolink/pkg/robot"
)

var (
	statsDuration int
	statsOutput   string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Run for a while and report link and cycle statistics",
	Long: `Connect, run the task cycle for --duration seconds and print a status
report: link state, frame and error counters, rates and cycle timing.

Output formats:
  text - human-readable summary
  json - one JSON document
  yaml - one YAML document`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().IntVarP(&statsDuration, "duration", "d", 10, "Seconds to collect statistics")
	statsCmd.Flags().StringVarP(&statsOutput, "output", "o", "text", "Output format (text, json, yaml)")
}

func runStats(cmd *cobra.Command, args []string) error {
	switch statsOutput {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q (use text, json or yaml)", statsOutput)
	}

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
	if err := r.ConnectBlocking(ctx, time.Duration(cfg.Connection.ConnectTimeoutMS)*time.Millisecond); err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(statsDuration) * time.Second):
	}

	// Snapshot before disconnecting so the report shows the live link
	st := r.Stats()
	r.Disconnect()
	r.StopRunning()
	r.Wait()

	return writeStatus(os.Stdout, statsOutput, st)
}

func writeStatus(w io.Writer, format string, st robot.Status) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(st); err != nil {
			return err
		}
		return enc.Close()
	default:
		fmt.Fprintf(w, "State: %s\n", st.State)
		if st.Transport != "" {
			fmt.Fprintf(w, "Transport: %s\n", st.Transport)
		}
		fmt.Fprintf(w, "\n%s\n", st.Statistics)
		fmt.Fprintf(w, "=== Cycle ===\n")
		fmt.Fprintf(w, "Ticks:         %d\n", st.Cycle.Ticks)
		fmt.Fprintf(w, "Overruns:      %d\n", st.Cycle.Overruns)
		fmt.Fprintf(w, "Panics:        %d\n", st.Cycle.Panics)
		fmt.Fprintf(w, "Dispatched:    %d\n", st.Cycle.Dispatched)
		fmt.Fprintf(w, "Unclaimed:     %d\n", st.Cycle.Unclaimed)
		fmt.Fprintf(w, "Dropped:       %d\n", st.Cycle.Dropped)
		fmt.Fprintf(w, "Last tick:     %v\n", st.Cycle.LastDuration)
		fmt.Fprintf(w, "Longest tick:  %v\n", st.Cycle.MaxDuration)
		return nil
	}
}

// logStatus writes a one-line status summary to ev.
func logStatus(protocol string, st robot.Status, ev *zerolog.Event) {
	s := st.Statistics
	ev.Str("protocol", protocol).
		Str("state", st.State).
		Uint64("frames", s.ValidFrames).
		Uint64("checksum_errors", s.ChecksumErrors).
		Uint64("framing_errors", s.FramingErrors).
		Float64("frame_rate", s.FrameRate).
		Uint64("ticks", st.Cycle.Ticks).
		Uint64("overruns", st.Cycle.Overruns).
		Dur("max_tick", st.Cycle.MaxDuration).
		Msg("statistics")
}
