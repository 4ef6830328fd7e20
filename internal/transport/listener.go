// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package transport binds listening sockets, accepts connections and hands
// each one to a protocol handler on its own goroutine. It tracks active
// sessions so callers can wait for them to drain on shutdown.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"src.bluestatic.org/mailmock/internal/metrics"
)

// Mode selects how TLS is offered on a listener.
type Mode int

const (
	// ModePlain accepts plaintext connections. If a TLS configuration is
	// given, sessions may upgrade in place.
	ModePlain Mode = iota
	// ModeImplicitTLS performs the handshake immediately on accept.
	ModeImplicitTLS
)

func (m Mode) String() string {
	if m == ModeImplicitTLS {
		return "implicit-tls"
	}
	return "plain"
}

// Handler runs one session. The connection is closed when it returns. ctx is
// cancelled when the listener is forcibly shut down.
type Handler func(ctx context.Context, conn *Conn)

// Config describes a listener.
type Config struct {
	// Protocol names the listener in logs and metrics.
	Protocol string
	// Address is a host:port. Port 0 picks an ephemeral port.
	Address   string
	Mode      Mode
	TLSConfig *tls.Config
	Upgrade   UpgradeFunc
	Handler   Handler
	Log       *zap.Logger
	Metrics   metrics.Collector
}

// Listener accepts connections for one protocol.
type Listener struct {
	cfg     Config
	l       net.Listener
	log     *zap.Logger
	metrics metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	started    atomic.Bool
	acceptDone chan struct{}

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	idle   chan struct{}
	forced bool
}

// Listen binds the configured address. Accepting starts with Start.
func Listen(cfg Config) (*Listener, error) {
	if cfg.Handler == nil {
		return nil, errors.New("transport: nil handler")
	}
	if cfg.Mode == ModeImplicitTLS && cfg.TLSConfig == nil {
		return nil, &TransportError{Op: "listen " + cfg.Protocol, Err: ErrTLSUnavailable}
	}
	if cfg.Upgrade == nil {
		cfg.Upgrade = TLSUpgrade
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	l, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, &TransportError{Op: "listen " + cfg.Protocol, Err: err}
	}

	idle := make(chan struct{})
	close(idle)
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:        cfg,
		l:          l,
		log:        log.With(zap.String("protocol", cfg.Protocol), zap.Stringer("address", l.Addr())),
		metrics:    metrics.Or(cfg.Metrics),
		ctx:        ctx,
		cancel:     cancel,
		acceptDone: make(chan struct{}),
		conns:      make(map[*Conn]struct{}),
		idle:       idle,
	}, nil
}

// Addr is the bound address.
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Port is the bound TCP port.
func (l *Listener) Port() int {
	if addr, ok := l.l.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Start runs the accept loop on a new goroutine.
func (l *Listener) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.acceptLoop()
}

func (l *Listener) acceptLoop() {
	defer close(l.acceptDone)
	l.log.Info("listening", zap.Stringer("mode", l.cfg.Mode))
	for {
		nc, err := l.l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Error("accept", zap.Error(err))
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}

		conn := newConn(nc, l.cfg.TLSConfig, l.cfg.Upgrade)
		if !l.track(conn) {
			conn.Close()
			continue
		}
		go l.serve(conn)
	}
}

func (l *Listener) serve(conn *Conn) {
	defer l.untrack(conn)
	defer conn.Close()

	l.metrics.ConnectionOpened(l.cfg.Protocol)
	defer l.metrics.ConnectionClosed(l.cfg.Protocol)

	if l.cfg.Mode == ModeImplicitTLS {
		if err := conn.StartTLS(l.ctx); err != nil {
			l.log.Error("implicit TLS handshake failed",
				zap.Stringer("client", conn.RemoteAddr()),
				zap.Error(err))
			return
		}
		l.metrics.TLSEstablished(l.cfg.Protocol)
	}

	l.cfg.Handler(l.ctx, conn)
}

func (l *Listener) track(conn *Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.forced {
		return false
	}
	if len(l.conns) == 0 {
		l.idle = make(chan struct{})
	}
	l.conns[conn] = struct{}{}
	return true
}

func (l *Listener) untrack(conn *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.conns[conn]; !ok {
		return
	}
	delete(l.conns, conn)
	if len(l.conns) == 0 {
		close(l.idle)
	}
}

// Active is the number of sessions currently running.
func (l *Listener) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// WaitIdle blocks until no sessions are running or ctx is done.
func (l *Listener) WaitIdle(ctx context.Context) error {
	l.mu.Lock()
	idle := l.idle
	l.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting connections and waits for running sessions to
// finish. When ctx is done, remaining sessions are closed forcibly and their
// handlers are waited for.
func (l *Listener) Shutdown(ctx context.Context) error {
	err := l.l.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if l.started.Load() {
		<-l.acceptDone
	}

	if l.WaitIdle(ctx) != nil {
		l.log.Warn("grace period expired, closing sessions", zap.Int("active", l.Active()))
	}
	l.forceClose()
	l.WaitIdle(context.Background())
	l.log.Info("stopped")
	return err
}

// Close stops accepting and closes every session immediately.
func (l *Listener) Close() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return l.Shutdown(ctx)
}

func (l *Listener) forceClose() {
	l.cancel()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forced = true
	for conn := range l.conns {
		conn.Close()
	}
}
