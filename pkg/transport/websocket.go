// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket carries the byte stream in binary messages. A background reader
// owns the connection's read side, since a gorilla connection cannot be read
// again after a read deadline expires.
type WebSocket struct {
	conn *websocket.Conn
	desc string

	msgs chan []byte
	done chan struct{}

	buf []byte // unread tail of the current message

	writeMu   sync.Mutex
	closeOnce sync.Once
	mu        sync.Mutex
	readErr   error
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket wraps an established connection and starts its reader.
func NewWebSocket(conn *websocket.Conn, desc string) *WebSocket {
	w := &WebSocket{
		conn: conn,
		desc: desc,
		msgs: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go w.readLoop()
	return w
}

func (w *WebSocket) readLoop() {
	defer close(w.msgs)
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			w.readErr = err
			w.mu.Unlock()
			return
		}

		// Only binary messages carry frames
		if messageType != websocket.BinaryMessage {
			continue
		}

		select {
		case w.msgs <- data:
		case <-w.done:
			return
		}
	}
}

func (w *WebSocket) Read(p []byte, timeout time.Duration) (int, error) {
	// If we have buffered data, return it first
	if len(w.buf) > 0 {
		n := copy(p, w.buf)
		w.buf = w.buf[n:]
		return n, nil
	}

	var data []byte
	var ok bool
	if timeout <= 0 {
		select {
		case data, ok = <-w.msgs:
		case <-w.done:
			return 0, ErrClosed
		default:
			return 0, nil
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case data, ok = <-w.msgs:
		case <-w.done:
			return 0, ErrClosed
		case <-timer.C:
			return 0, nil
		}
	}

	if !ok {
		return 0, w.closedErr()
	}
	n := copy(p, data)
	w.buf = data[n:]
	return n, nil
}

func (w *WebSocket) closedErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, w.readErr)
	}
	return ErrClosed
}

func (w *WebSocket) Write(p []byte) (int, error) {
	if !w.IsOpen() {
		return 0, ErrClosed
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *WebSocket) IsOpen() bool {
	select {
	case <-w.done:
		return false
	default:
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readErr == nil
}

func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.writeMu.Lock()
		w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (w *WebSocket) String() string {
	return w.desc
}

// WebSocketDialer opens a WebSocket with optional HTTP Basic auth.
type WebSocketDialer struct {
	URL           string
	Username      string
	Password      string
	SkipSSLVerify bool
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	// Parse and validate URL
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	// Configure TLS for wss://
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: d.SkipSSLVerify,
		}
	}

	// Build HTTP headers with Basic auth
	headers := http.Header{}
	if d.Username != "" && d.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(d.Username + ":" + d.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return NewWebSocket(conn, fmt.Sprintf("WebSocket: %s", d.URL)), nil
}
