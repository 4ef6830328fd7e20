// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadySecure is returned by StartTLS on a connection that is already
// encrypted.
var ErrAlreadySecure = errors.New("connection already secure")

// ErrTLSUnavailable is returned by StartTLS when no TLS configuration is set.
var ErrTLSUnavailable = errors.New("TLS not available")

// TransportError wraps failures of the byte stream itself, such as a failed
// TLS handshake or a listener that could not be bound.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpgradeFunc performs a server-side TLS handshake over conn.
type UpgradeFunc func(ctx context.Context, conn net.Conn, config *tls.Config) (net.Conn, error)

// TLSUpgrade is the default UpgradeFunc.
func TLSUpgrade(ctx context.Context, conn net.Conn, config *tls.Config) (net.Conn, error) {
	tc := tls.Server(conn, config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// Conn is an accepted connection whose underlying stream can be swapped for a
// TLS one in place. Reads and writes always go to the current stream.
type Conn struct {
	id        string
	tlsConfig *tls.Config
	upgrade   UpgradeFunc

	mu     sync.Mutex
	nc     net.Conn
	secure bool
	closed bool
}

func newConn(nc net.Conn, tlsConfig *tls.Config, upgrade UpgradeFunc) *Conn {
	if upgrade == nil {
		upgrade = TLSUpgrade
	}
	return &Conn{
		id:        uuid.NewString(),
		nc:        nc,
		tlsConfig: tlsConfig,
		upgrade:   upgrade,
	}
}

// NewConn wraps nc. tlsConfig may be nil, in which case StartTLS always fails.
func NewConn(nc net.Conn, tlsConfig *tls.Config, upgrade UpgradeFunc) *Conn {
	return newConn(nc, tlsConfig, upgrade)
}

func (c *Conn) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc
}

// ID is a unique identifier for the connection.
func (c *Conn) ID() string { return c.id }

func (c *Conn) Read(b []byte) (int, error)  { return c.current().Read(b) }
func (c *Conn) Write(b []byte) (int, error) { return c.current().Write(b) }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}

func (c *Conn) LocalAddr() net.Addr                { return c.current().LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.current().RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.current().SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.current().SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.current().SetWriteDeadline(t) }

// Secure reports whether the stream is encrypted.
func (c *Conn) Secure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secure
}

// CanUpgrade reports whether StartTLS may be attempted.
func (c *Conn) CanUpgrade() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlsConfig != nil && !c.secure && !c.closed
}

// ConnectionState returns the TLS state of a secure connection.
func (c *Conn) ConnectionState() (tls.ConnectionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tc, ok := c.nc.(interface{ ConnectionState() tls.ConnectionState }); ok && c.secure {
		return tc.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// StartTLS performs the server side of a TLS handshake on the current stream
// and replaces it with the encrypted one. The caller must not be reading from
// or writing to the connection concurrently. If the handshake fails the
// connection is closed and a *TransportError is returned.
func (c *Conn) StartTLS(ctx context.Context) error {
	c.mu.Lock()
	nc, config, secure := c.nc, c.tlsConfig, c.secure
	c.mu.Unlock()

	if secure {
		return ErrAlreadySecure
	}
	if config == nil {
		return ErrTLSUnavailable
	}

	upgraded, err := c.upgrade(ctx, nc, config)
	if err != nil {
		c.Close()
		return &TransportError{Op: "tls handshake", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		upgraded.Close()
		return &TransportError{Op: "tls handshake", Err: net.ErrClosed}
	}
	c.nc = upgraded
	c.secure = true
	return nil
}
