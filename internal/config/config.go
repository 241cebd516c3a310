// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the robolink configuration file. Values present in
// the file overlay the defaults; CLI flags overlay the result.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/robolink/internal/logging"
	"github.com/Thermoquad/robolink/pkg/capture"
	"github.com/Thermoquad/robolink/pkg/cycle"
	"github.com/Thermoquad/robolink/pkg/framer"
	"github.com/Thermoquad/robolink/pkg/link"
	"github.com/Thermoquad/robolink/pkg/robot"
	"github.com/Thermoquad/robolink/pkg/transport"
)

// Link kinds
const (
	KindSerial    = "serial"
	KindTCP       = "tcp"
	KindWebSocket = "websocket"
	KindReplay    = "replay"
)

var kinds = []string{KindSerial, KindTCP, KindWebSocket, KindReplay}

var handshakes = []string{robot.HandshakeNone, robot.HandshakeEcho, robot.HandshakeSync}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the whole configuration file.
type Config struct {
	Link       LinkConfig       `toml:"link" yaml:"link"`
	Protocol   ProtocolConfig   `toml:"protocol" yaml:"protocol"`
	Cycle      CycleConfig      `toml:"cycle" yaml:"cycle"`
	Connection ConnectionConfig `toml:"connection" yaml:"connection"`
	Log        LogConfig        `toml:"log" yaml:"log"`
}

type LinkConfig struct {
	Kind        string `toml:"kind" yaml:"kind"`
	Port        string `toml:"port" yaml:"port"`
	Baud        int    `toml:"baud" yaml:"baud"`
	Address     string `toml:"address" yaml:"address"`
	URL         string `toml:"url" yaml:"url"`
	Username    string `toml:"username" yaml:"username"`
	NoSSLVerify bool   `toml:"no_ssl_verify" yaml:"no_ssl_verify"`
	ReplayFile  string `toml:"replay_file" yaml:"replay_file"`
	Realtime    bool   `toml:"realtime" yaml:"realtime"`
	RecordFile  string `toml:"record_file" yaml:"record_file"`
}

type ProtocolConfig struct {
	Name      string `toml:"name" yaml:"name"`
	Handshake string `toml:"handshake" yaml:"handshake"`
}

type CycleConfig struct {
	PeriodMS       int `toml:"period_ms" yaml:"period_ms"`
	WarningMS      int `toml:"warning_ms" yaml:"warning_ms"`
	DispatchBudget int `toml:"dispatch_budget" yaml:"dispatch_budget"`
	QueueSize      int `toml:"queue_size" yaml:"queue_size"`
}

type ConnectionConfig struct {
	ConnectTimeoutMS  int `toml:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	StaleTimeoutMS    int `toml:"stale_timeout_ms" yaml:"stale_timeout_ms"`
	HandshakeRetries  int `toml:"handshake_retries" yaml:"handshake_retries"`
	RetryInitialMS    int `toml:"retry_initial_ms" yaml:"retry_initial_ms"`
	RetryMaxMS        int `toml:"retry_max_ms" yaml:"retry_max_ms"`
	StabilizingMS     int `toml:"stabilizing_ms" yaml:"stabilizing_ms"`
	MismatchThreshold int `toml:"mismatch_threshold" yaml:"mismatch_threshold"`
	MismatchWindowMS  int `toml:"mismatch_window_ms" yaml:"mismatch_window_ms"`
	PulseMS           int `toml:"pulse_ms" yaml:"pulse_ms"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Link: LinkConfig{
			Kind: KindSerial,
			Port: "/dev/ttyUSB0",
			Baud: 9600,
		},
		Protocol: ProtocolConfig{
			Name:      "robot",
			Handshake: robot.HandshakeSync,
		},
		Cycle: CycleConfig{
			PeriodMS:  100,
			WarningMS: 250,
			QueueSize: cycle.DefaultQueueSize,
		},
		Connection: ConnectionConfig{
			ConnectTimeoutMS:  10000,
			StaleTimeoutMS:    8000,
			HandshakeRetries:  link.DefaultStepAttempts,
			RetryInitialMS:    100,
			RetryMaxMS:        2000,
			MismatchThreshold: 10,
			MismatchWindowMS:  1000,
			PulseMS:           1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatConsole,
		},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .toml, or .yaml/.yml.
func Load(path string) (Config, error) {
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := loadTOML(path, &cfg); err != nil {
			return Config{}, err
		}
	case ".yaml", ".yml":
		if err := loadYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	default:
		return Config{}, fmt.Errorf("config %s: unsupported extension (use .toml, .yaml or .yml)", path)
	}
	return cfg, cfg.Validate()
}

func loadTOML(path string, cfg *Config) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	// A link section that names only an endpoint implies its kind
	if !meta.IsDefined("link", "kind") {
		switch {
		case meta.IsDefined("link", "url"):
			cfg.Link.Kind = KindWebSocket
		case meta.IsDefined("link", "address"):
			cfg.Link.Kind = KindTCP
		case meta.IsDefined("link", "replay_file"):
			cfg.Link.Kind = KindReplay
		}
	}
	return nil
}

func loadYAML(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	kind := cfg.Link.Kind
	cfg.Link.Kind = ""
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Link.Kind == "" {
		switch {
		case cfg.Link.URL != "":
			cfg.Link.Kind = KindWebSocket
		case cfg.Link.Address != "":
			cfg.Link.Kind = KindTCP
		case cfg.Link.ReplayFile != "":
			cfg.Link.Kind = KindReplay
		default:
			cfg.Link.Kind = kind
		}
	}
	return nil
}

// Validate checks the configuration for values the runtime cannot use.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !slices.Contains(kinds, c.Link.Kind) {
		bad("link.kind %q (use %s)", c.Link.Kind, strings.Join(kinds, ", "))
	}
	switch c.Link.Kind {
	case KindSerial:
		if c.Link.Port == "" {
			bad("link.port is required for serial links")
		}
		if c.Link.Baud <= 0 {
			bad("link.baud must be positive")
		}
	case KindTCP:
		if c.Link.Address == "" {
			bad("link.address is required for tcp links")
		}
	case KindWebSocket:
		if c.Link.URL == "" {
			bad("link.url is required for websocket links")
		}
	case KindReplay:
		if c.Link.ReplayFile == "" {
			bad("link.replay_file is required for replay links")
		}
	}

	if !slices.Contains(framer.Names(), c.Protocol.Name) {
		bad("protocol.name %q (use %s)", c.Protocol.Name, strings.Join(framer.Names(), ", "))
	}
	if !slices.Contains(handshakes, c.Protocol.Handshake) {
		bad("protocol.handshake %q (use %s)", c.Protocol.Handshake, strings.Join(handshakes, ", "))
	}

	if c.Cycle.PeriodMS <= 0 {
		bad("cycle.period_ms must be positive")
	}
	if c.Cycle.WarningMS < 0 || c.Cycle.DispatchBudget < 0 || c.Cycle.QueueSize < 0 {
		bad("cycle values must not be negative")
	}

	conn := c.Connection
	if conn.ConnectTimeoutMS <= 0 {
		bad("connection.connect_timeout_ms must be positive")
	}
	if conn.RetryInitialMS <= 0 || conn.RetryMaxMS < conn.RetryInitialMS {
		bad("connection.retry_initial_ms must be positive and not above retry_max_ms")
	}
	if conn.StaleTimeoutMS < 0 || conn.HandshakeRetries < 0 || conn.StabilizingMS < 0 ||
		conn.MismatchThreshold < 0 || conn.MismatchWindowMS < 0 || conn.PulseMS < 0 {
		bad("connection values must not be negative")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}
	switch c.Log.Format {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		bad("log.format %q (use %s or %s)", c.Log.Format, logging.FormatConsole, logging.FormatJSON)
	}

	return errors.Join(errs...)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Dialer builds the transport dialer for the link section. password is
// used for websocket basic auth.
func (c Config) Dialer(password string) (transport.Dialer, error) {
	var d transport.Dialer
	switch c.Link.Kind {
	case KindSerial:
		d = transport.SerialDialer{Port: c.Link.Port, Baud: c.Link.Baud}
	case KindTCP:
		d = transport.TCPDialer{Address: c.Link.Address}
	case KindWebSocket:
		d = transport.WebSocketDialer{
			URL:           c.Link.URL,
			Username:      c.Link.Username,
			Password:      password,
			SkipSSLVerify: c.Link.NoSSLVerify,
		}
	case KindReplay:
		d = capture.ReplayDialer{Path: c.Link.ReplayFile, Realtime: c.Link.Realtime}
	default:
		return nil, fmt.Errorf("%w: link.kind %q", ErrInvalid, c.Link.Kind)
	}
	if c.Link.RecordFile != "" {
		d = capture.RecordingDialer{Dialer: d, Path: c.Link.RecordFile}
	}
	return d, nil
}

// RobotOptions maps the configuration onto robot runtime options.
func (c Config) RobotOptions(d transport.Dialer, log zerolog.Logger) robot.Options {
	conn := c.Connection
	return robot.Options{
		Protocol:          c.Protocol.Name,
		Handshake:         c.Protocol.Handshake,
		HandshakeAttempts: conn.HandshakeRetries,
		Link: link.Config{
			Dialer:         d,
			ConnectTimeout: ms(conn.ConnectTimeoutMS),
			StaleTimeout:   ms(conn.StaleTimeoutMS),
			RetryInitial:   ms(conn.RetryInitialMS),
			RetryMax:       ms(conn.RetryMaxMS),
			Stabilizing:    ms(conn.StabilizingMS),
			Logger:         log,
		},
		Cycle: cycle.Config{
			Period:         ms(c.Cycle.PeriodMS),
			WarningTime:    ms(c.Cycle.WarningMS),
			QueueSize:      c.Cycle.QueueSize,
			DispatchBudget: c.Cycle.DispatchBudget,
		},
		MismatchThreshold: conn.MismatchThreshold,
		MismatchWindow:    ms(conn.MismatchWindowMS),
		PulseInterval:     ms(conn.PulseMS),
		Logger:            log,
	}
}
