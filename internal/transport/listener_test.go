// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"src.bluestatic.org/mailmock/internal/testtls"
)

func echoHandler(ctx context.Context, conn *Conn) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		switch line {
		case "STARTTLS":
			fmt.Fprintf(conn, "GO\n")
			if err := conn.StartTLS(ctx); err != nil {
				return
			}
			r = bufio.NewReader(conn)
		case "SECURE":
			fmt.Fprintf(conn, "%t\n", conn.Secure())
		case "QUIT":
			return
		default:
			fmt.Fprintf(conn, "%s\n", line)
		}
	}
}

func startListener(t *testing.T, cfg Config) *Listener {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	if cfg.Handler == nil {
		cfg.Handler = echoHandler
	}
	cfg.Protocol = "test"
	cfg.Log = zaptest.NewLogger(t)
	l, err := Listen(cfg)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	l.Start()
	t.Cleanup(func() { l.Close() })
	return l
}

func roundTrip(t *testing.T, conn net.Conn, r *bufio.Reader, line string) string {
	t.Helper()
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
	resp, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read after %q: %v", line, err)
	}
	return strings.TrimSpace(resp)
}

func TestEphemeralPort(t *testing.T) {
	l := startListener(t, Config{})
	if l.Port() == 0 {
		t.Fatal("expected an ephemeral port to be assigned")
	}

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if want, got := "hello", roundTrip(t, conn, bufio.NewReader(conn), "hello"); want != got {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestBindConflict(t *testing.T) {
	l := startListener(t, Config{})
	_, err := Listen(Config{Protocol: "dup", Address: l.Addr().String(), Handler: echoHandler})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("want *TransportError, got %v", err)
	}
}

func TestImplicitTLSRequiresConfig(t *testing.T) {
	_, err := Listen(Config{Address: "127.0.0.1:0", Mode: ModeImplicitTLS, Handler: echoHandler})
	if !errors.Is(err, ErrTLSUnavailable) {
		t.Fatalf("want ErrTLSUnavailable, got %v", err)
	}
}

func TestImplicitTLS(t *testing.T) {
	l := startListener(t, Config{Mode: ModeImplicitTLS, TLSConfig: testtls.ServerConfig()})

	conn, err := tls.Dial("tcp", l.Addr().String(), testtls.ClientConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if want, got := "true", roundTrip(t, conn, bufio.NewReader(conn), "SECURE"); want != got {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestStartTLS(t *testing.T) {
	l := startListener(t, Config{TLSConfig: testtls.ServerConfig()})

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	if want, got := "false", roundTrip(t, conn, r, "SECURE"); want != got {
		t.Errorf("want %q, got %q", want, got)
	}
	if want, got := "GO", roundTrip(t, conn, r, "STARTTLS"); want != got {
		t.Fatalf("want %q, got %q", want, got)
	}

	tc := tls.Client(conn, testtls.ClientConfig())
	if err := tc.Handshake(); err != nil {
		t.Fatal(err)
	}
	if want, got := "true", roundTrip(t, tc, bufio.NewReader(tc), "SECURE"); want != got {
		t.Errorf("want %q, got %q", want, got)
	}
}

func TestUpgradeFailureClosesSession(t *testing.T) {
	failing := func(context.Context, net.Conn, *tls.Config) (net.Conn, error) {
		return nil, errors.New("handshake refused")
	}
	l := startListener(t, Config{TLSConfig: testtls.ServerConfig(), Upgrade: failing})

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	roundTrip(t, conn, r, "STARTTLS")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatal("expected the session to be closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.WaitIdle(ctx); err != nil {
		t.Fatalf("session did not end: %v", err)
	}
}

func TestConnStartTLSErrors(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := NewConn(a, nil, nil)
	if c.CanUpgrade() {
		t.Error("CanUpgrade without a config")
	}
	if err := c.StartTLS(context.Background()); !errors.Is(err, ErrTLSUnavailable) {
		t.Errorf("want ErrTLSUnavailable, got %v", err)
	}
	if c.ID() == "" {
		t.Error("expected a connection ID")
	}
	c.Close()
	if c.CanUpgrade() {
		t.Error("CanUpgrade on a closed connection")
	}
}

func TestActiveAndWaitIdle(t *testing.T) {
	l := startListener(t, Config{})

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(conn)
	roundTrip(t, conn, r, "ping")
	if want, got := 1, l.Active(); want != got {
		t.Errorf("want %d active, got %d", want, got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	if err := l.WaitIdle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitIdle with an open session: want deadline exceeded, got %v", err)
	}
	cancel()

	fmt.Fprintf(conn, "QUIT\n")
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if want, got := 0, l.Active(); want != got {
		t.Errorf("want %d active, got %d", want, got)
	}
	conn.Close()
}

func TestShutdownForcesAfterGrace(t *testing.T) {
	l := startListener(t, Config{})

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	roundTrip(t, conn, r, "ping")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := l.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("Shutdown returned before the grace period with an active session")
	}
	if want, got := 0, l.Active(); want != got {
		t.Errorf("want %d active, got %d", want, got)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := r.ReadString('\n'); err == nil {
		t.Error("expected the session to be closed by shutdown")
	}

	if _, err := net.DialTimeout("tcp", l.Addr().String(), time.Second); err == nil {
		t.Error("listener still accepting after Shutdown")
	}
}

func TestShutdownWaitsForSessions(t *testing.T) {
	l := startListener(t, Config{})

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(conn)
	roundTrip(t, conn, r, "ping")

	go func() {
		time.Sleep(50 * time.Millisecond)
		fmt.Fprintf(conn, "QUIT\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	if err := l.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Shutdown did not return once the session ended")
	}
	conn.Close()
}
