// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Serial wraps a serial port
type Serial struct {
	name string
	baud int

	mu      sync.Mutex
	port    serial.Port
	timeout time.Duration
	closed  bool
}

var _ Transport = (*Serial)(nil)

// OpenSerial opens a serial port at 8N1
func OpenSerial(name string, baud int) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}

	return &Serial{name: name, baud: baud, port: port, timeout: -1}, nil
}

func (s *Serial) Read(p []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if timeout != s.timeout {
		if timeout <= 0 {
			timeout = time.Millisecond
		}
		if err := s.port.SetReadTimeout(timeout); err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("set read timeout on %s: %w", s.name, err)
		}
		s.timeout = timeout
	}
	port := s.port
	s.mu.Unlock()

	// A timed out read returns 0, nil
	n, err := port.Read(p)
	if err != nil && !s.IsOpen() {
		return n, ErrClosed
	}
	return n, err
}

func (s *Serial) Write(p []byte) (int, error) {
	if !s.IsOpen() {
		return 0, ErrClosed
	}
	return s.port.Write(p)
}

// SetBaudRate changes the port speed, used while negotiating with a device.
func (s *Serial) SetBaudRate(baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.port.SetMode(&serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}); err != nil {
		return fmt.Errorf("set baud %d on %s: %w", baud, s.name, err)
	}
	s.baud = baud
	return nil
}

func (s *Serial) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Serial) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.port.Close()
}

func (s *Serial) String() string {
	return fmt.Sprintf("Serial: %s @ %d baud", s.name, s.baud)
}

// SerialDialer opens a serial port on each Dial.
type SerialDialer struct {
	Port string
	Baud int
}

// Dial implements Dialer.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return OpenSerial(d.Port, d.Baud)
}

// ListSerialPorts returns the serial ports present on the system.
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}
