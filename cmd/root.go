// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/robolink/internal/config"
	"github.com/Thermoquad/robolink/internal/logging"
)

var (
	configPath string

	// Serial connection flags
	portName string
	baudRate int

	// Network connection flags
	tcpAddress    string
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Capture flags
	recordPath string
	replayPath string

	protocolName string
	logLevel     string
	logFormat    string
)

var rootCmd = &cobra.Command{
	Use:   "robolink",
	Short: "Robot hardware communication runtime",
	Long: `Robolink - Connects to a robot controller or sensor over serial, TCP or
WebSocket, frames its packets and runs a fixed-period task cycle.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 9600]
  TCP:       --tcp host:port
  WebSocket: --url ws://host/path [--username user]
  Replay:    --replay session.cbor

Settings not given as flags come from --config (TOML or YAML) or the
built-in defaults.

For WebSocket authentication, the password is read from the ROBOLINK_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:      "0.3.0",
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Config file (.toml, .yaml or .yml)")

	// Serial connection flags
	flags.StringVarP(&portName, "port", "p", "", "Serial port device")
	flags.IntVarP(&baudRate, "baud", "b", 0, "Baud rate (serial only)")

	// Network connection flags
	flags.StringVar(&tcpAddress, "tcp", "", "TCP address (host:port)")
	flags.StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	flags.StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	flags.BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	flags.StringVar(&recordPath, "record", "", "Record all traffic to a CBOR capture file")
	flags.StringVar(&replayPath, "replay", "", "Replay a CBOR capture file instead of connecting")

	flags.StringVar(&protocolName, "protocol", "", "Packet protocol (robot, battery, sonar, lms2xx, nmea)")
	flags.StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "Log format (console, json)")
}

// loadConfig reads --config, or the defaults, and applies the flags that
// were set on the command line.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return config.Config{}, err
		}
	}

	flags := cmd.Flags()
	switch {
	case flags.Changed("replay"):
		cfg.Link.Kind = config.KindReplay
		cfg.Link.ReplayFile = replayPath
	case flags.Changed("url"):
		cfg.Link.Kind = config.KindWebSocket
		cfg.Link.URL = wsURL
	case flags.Changed("tcp"):
		cfg.Link.Kind = config.KindTCP
		cfg.Link.Address = tcpAddress
	case flags.Changed("port"):
		cfg.Link.Kind = config.KindSerial
		cfg.Link.Port = portName
	}
	if flags.Changed("baud") {
		cfg.Link.Baud = baudRate
	}
	if flags.Changed("username") {
		cfg.Link.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		cfg.Link.NoSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("record") {
		cfg.Link.RecordFile = recordPath
	}
	if flags.Changed("protocol") {
		cfg.Protocol.Name = protocolName
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}

	return cfg, cfg.Validate()
}

// newLogger builds the process logger on stderr so stdout stays free for
// command output.
func newLogger(cfg config.Config) (zerolog.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
