// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Thermoquad/robolink/internal/config"
	"github.com/Thermoquad/robolink/pkg/framer"
	"github.com/Thermoquad/robolink/pkg/packet"
	"github.com/Thermoquad/robolink/pkg/robot"
	"github.com/Thermoquad/robolink/pkg/transport"
)

// errStopFeed ends feedAll early.
var errStopFeed = errors.New("stop")

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv("ROBOLINK_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	// Read password without echo
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr) // newline after password
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr) // newline after password
	return string(passwordBytes), nil
}

// dialer builds the configured dialer, prompting for a password when the
// WebSocket link names a user.
func dialer(cfg config.Config) (transport.Dialer, error) {
	password := ""
	if cfg.Link.Kind == config.KindWebSocket && cfg.Link.Username != "" {
		var err error
		if password, err = GetPassword(); err != nil {
			return nil, err
		}
	}
	return cfg.Dialer(password)
}

// setup loads the configuration and logger for a command.
func setup(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, log, nil
}

// openTransport dials the configured link without any handshake, for the
// framer-only tools.
func openTransport(ctx context.Context, cfg config.Config) (transport.Transport, error) {
	d, err := dialer(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Connection.ConnectTimeoutMS)*time.Millisecond)
	defer cancel()
	return d.Dial(ctx)
}

// newRobot composes a robot runtime from the configuration. The caller
// connects it.
func newRobot(cfg config.Config, log zerolog.Logger) (*robot.Robot, error) {
	d, err := dialer(cfg)
	if err != nil {
		return nil, err
	}
	return robot.New(cfg.RobotOptions(d, log))
}

// feedAll reads tr until ctx ends or the transport fails, passing every
// framer result to fn. fn returning errStopFeed ends the loop with nil.
func feedAll(ctx context.Context, tr transport.Transport, f framer.Framer, fn func(*packet.Packet, error) error) error {
	buf := make([]byte, 256)
	for ctx.Err() == nil {
		n, err := tr.Read(buf, 50*time.Millisecond)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		res, p, ferr := f.Feed(buf[:n])
		for res == framer.FrameReady || res == framer.Error {
			if p != nil {
				p.SetTimestamp(time.Now())
			}
			if err := fn(p, ferr); err != nil {
				if errors.Is(err, errStopFeed) {
					return nil
				}
				return err
			}
			res, p, ferr = f.Feed(nil)
		}
	}
	return nil
}

// describeLink names the configured link for headers, before it is dialed.
func describeLink(cfg config.Config) string {
	switch cfg.Link.Kind {
	case config.KindSerial:
		return fmt.Sprintf("Serial: %s @ %d baud", cfg.Link.Port, cfg.Link.Baud)
	case config.KindTCP:
		return "TCP: " + cfg.Link.Address
	case config.KindWebSocket:
		return "WebSocket: " + cfg.Link.URL
	case config.KindReplay:
		return "Replay: " + cfg.Link.ReplayFile
	default:
		return cfg.Link.Kind
	}
}
