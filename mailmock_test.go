// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package mailmock

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"testing"
	"time"

	gopop3 "github.com/knadh/go-pop3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"src.bluestatic.org/mailmock/auth"
	"src.bluestatic.org/mailmock/internal/mech"
	"src.bluestatic.org/mailmock/internal/testtls"
	"src.bluestatic.org/mailmock/internal/transport"
	"src.bluestatic.org/mailmock/store"
)

func testOptions(t *testing.T) Options {
	opts := DefaultOptions()
	opts.SMTP.AllowInsecureAuth = true
	opts.Logger = zaptest.NewLogger(t)
	return opts
}

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	s, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return s
}

func sendMail(t *testing.T, s *Server, user, secret, from string, to []string, msg string) error {
	t.Helper()
	host, _, err := net.SplitHostPort(s.SMTPAddr().String())
	require.NoError(t, err)
	var a smtp.Auth
	if user != "" {
		a = smtp.PlainAuth("", user, secret, host)
	}
	return smtp.SendMail(s.SMTPAddr().String(), a, from, to, []byte(msg))
}

func pop3Conn(t *testing.T, s *Server) *gopop3.Conn {
	t.Helper()
	host, _, err := net.SplitHostPort(s.POP3Addr().String())
	require.NoError(t, err)
	client := gopop3.New(gopop3.Opt{
		Host:        host,
		Port:        s.POP3Port(),
		DialTimeout: 5 * time.Second,
	})
	conn, err := client.NewConn()
	require.NoError(t, err)
	return conn
}

func waitIdle(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

const aliceMessage = "From: bob@example.com\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: lunch\r\n" +
	"\r\n" +
	"Noon at the usual place?\r\n"

func TestDeliverRetrieveDelete(t *testing.T) {
	s := startServer(t, testOptions(t))
	require.NoError(t, s.AddAccount("alice@example.com", "secret", auth.Normal))

	err := sendMail(t, s, "alice@example.com", "secret", "bob@example.com", []string{"alice@example.com"}, aliceMessage)
	require.NoError(t, err)

	conn := pop3Conn(t, s)
	require.NoError(t, conn.Auth("alice@example.com", "secret"))

	msgs, err := conn.List(0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, len(aliceMessage), msgs[0].Size)

	body, err := conn.RetrRaw(msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, aliceMessage, body.String())

	require.NoError(t, conn.Dele(msgs[0].ID))
	require.NoError(t, conn.Quit())

	conn = pop3Conn(t, s)
	require.NoError(t, conn.Auth("alice@example.com", "secret"))
	count, _, err := conn.Stat()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	require.NoError(t, conn.Quit())

	waitIdle(t, s)
	assert.Len(t, s.SessionsFor("smtp"), 1)
	assert.Len(t, s.SessionsFor("pop3"), 2)
}

func TestWrongSecretThenRetry(t *testing.T) {
	s := startServer(t, testOptions(t))
	require.NoError(t, s.AddAccount("alice@example.com", "secret", auth.Normal))
	_, err := s.Deliver("alice@example.com", []byte(aliceMessage))
	require.NoError(t, err)

	conn := pop3Conn(t, s)
	assert.Error(t, conn.Auth("alice@example.com", "wrong"))
	require.NoError(t, conn.Auth("alice@example.com", "secret"))

	count, size, err := conn.Stat()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, len(aliceMessage), size)
	require.NoError(t, conn.Quit())

	assert.Equal(t, 2, s.Credentials().Attempts("alice@example.com"))
}

func TestCommandBeforeGreeting(t *testing.T) {
	s := startServer(t, testOptions(t))

	conn, err := textproto.Dial("tcp", s.SMTPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadCodeLine(220)
	require.NoError(t, err)

	require.NoError(t, conn.PrintfLine("MAIL FROM:<bob@example.com>"))
	_, _, err = conn.ReadCodeLine(503)
	assert.NoError(t, err)

	require.NoError(t, conn.PrintfLine("EHLO client"))
	_, _, err = conn.ReadResponse(250)
	assert.NoError(t, err)

	require.NoError(t, conn.PrintfLine("QUIT"))
	_, _, err = conn.ReadCodeLine(221)
	assert.NoError(t, err)

	assert.Empty(t, s.Store().Accounts())
}

func TestFailAfterNAcrossConnections(t *testing.T) {
	s := startServer(t, testOptions(t))
	require.NoError(t, s.AddAccount("carol@example.com", "pw", auth.FailAfter(2)))

	conn := pop3Conn(t, s)
	assert.Error(t, conn.Auth("carol@example.com", "pw"))
	assert.Error(t, conn.Auth("carol@example.com", "pw"))
	require.NoError(t, conn.Auth("carol@example.com", "pw"))
	require.NoError(t, conn.Quit())

	// The counter lives in the registry, so a new connection continues it.
	conn = pop3Conn(t, s)
	require.NoError(t, conn.Auth("carol@example.com", "pw"))
	require.NoError(t, conn.Quit())

	s.ResetCredentials()

	conn = pop3Conn(t, s)
	assert.Error(t, conn.Auth("carol@example.com", "pw"))
	require.NoError(t, conn.Quit())
}

func TestConcurrentDelivery(t *testing.T) {
	s := startServer(t, testOptions(t))

	const n = 8
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			rcpt := fmt.Sprintf("user%d@example.com", i)
			msg := fmt.Sprintf("Subject: %d\r\n\r\nbody %d\r\n", i, i)
			return sendMail(t, s, "", "", "bob@example.com", []string{rcpt}, msg)
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < n; i++ {
		msgs := s.Messages(fmt.Sprintf("user%d@example.com", i))
		require.Len(t, msgs, 1)
		assert.Equal(t, fmt.Sprintf("Subject: %d\r\n\r\nbody %d\r\n", i, i), string(msgs[0].Data()))
	}
}

func TestRejectUnknownRecipients(t *testing.T) {
	opts := testOptions(t)
	opts.SMTP.Recipients = RejectUnknown
	s := startServer(t, opts)
	require.NoError(t, s.AddAccount("alice@example.com", "secret", auth.Normal))

	err := sendMail(t, s, "", "", "bob@example.com", []string{"stranger@example.com"}, aliceMessage)
	var tpErr *textproto.Error
	require.True(t, errors.As(err, &tpErr), "got %v", err)
	assert.Equal(t, 550, tpErr.Code)

	require.NoError(t, sendMail(t, s, "", "", "bob@example.com", []string{"alice@example.com"}, aliceMessage))
	assert.Len(t, s.Messages("alice@example.com"), 1)
	assert.False(t, s.Store().Exists("stranger@example.com"))
}

func TestRequireAuth(t *testing.T) {
	opts := testOptions(t)
	opts.SMTP.RequireAuth = true
	s := startServer(t, opts)
	require.NoError(t, s.AddAccount("alice@example.com", "secret", auth.Normal))

	err := sendMail(t, s, "", "", "alice@example.com", []string{"bob@example.com"}, aliceMessage)
	var tpErr *textproto.Error
	require.True(t, errors.As(err, &tpErr), "got %v", err)
	assert.Equal(t, 530, tpErr.Code)

	err = sendMail(t, s, "alice@example.com", "secret", "alice@example.com", []string{"bob@example.com"}, aliceMessage)
	require.NoError(t, err)
	assert.Len(t, s.Messages("bob@example.com"), 1)
}

func TestImplicitTLS(t *testing.T) {
	cert := testtls.MustCertificate()
	opts := testOptions(t)
	opts.Certificate = &cert
	opts.POP3.TLS = TLSImplicit
	s := startServer(t, opts)
	require.NoError(t, s.AddAccount("alice@example.com", "secret", auth.Normal))

	tc, err := tls.Dial("tcp", s.POP3Addr().String(), testtls.ClientConfig())
	require.NoError(t, err)
	conn := textproto.NewConn(tc)
	defer conn.Close()

	for _, cmd := range []string{"", "USER alice@example.com", "PASS secret", "QUIT"} {
		if cmd != "" {
			require.NoError(t, conn.PrintfLine("%s", cmd))
		}
		line, err := conn.ReadLine()
		require.NoError(t, err)
		assert.Regexp(t, `^\+OK`, line, cmd)
	}

	waitIdle(t, s)
	records := s.SessionsFor("pop3")
	require.Len(t, records, 1)
	assert.True(t, records[0].Secure)
	assert.Equal(t, "alice@example.com", records[0].Account)
}

func TestUpgradeFailureClosesSession(t *testing.T) {
	cert := testtls.MustCertificate()
	opts := testOptions(t)
	opts.Certificate = &cert
	opts.SMTP.TLS = TLSStartTLS
	opts.Upgrade = func(context.Context, net.Conn, *tls.Config) (net.Conn, error) {
		return nil, errors.New("handshake refused")
	}
	s := startServer(t, opts)

	conn, err := textproto.Dial("tcp", s.SMTPAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadCodeLine(220)
	require.NoError(t, err)
	require.NoError(t, conn.PrintfLine("EHLO client"))
	_, resp, err := conn.ReadResponse(250)
	require.NoError(t, err)
	assert.Contains(t, resp, "STARTTLS")

	require.NoError(t, conn.PrintfLine("STARTTLS"))
	_, _, err = conn.ReadCodeLine(220)
	require.NoError(t, err)

	_, err = conn.ReadLine()
	assert.Error(t, err)
}

func TestStopClosesIdleSessions(t *testing.T) {
	opts := testOptions(t)
	opts.GracePeriod = 50 * time.Millisecond
	s := startServer(t, opts)
	require.NoError(t, s.AddAccount("alice@example.com", "secret", auth.Normal))
	_, err := s.Deliver("alice@example.com", []byte(aliceMessage))
	require.NoError(t, err)

	conn, err := textproto.Dial("tcp", s.POP3Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	for _, cmd := range []string{"USER alice@example.com", "PASS secret", "DELE 1"} {
		_, err := conn.ReadLine()
		require.NoError(t, err)
		require.NoError(t, conn.PrintfLine("%s", cmd))
	}
	_, err = conn.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, 1, s.Active())

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)

	_, err = conn.ReadLine()
	assert.Error(t, err)
	assert.Equal(t, 0, s.Active())

	// A forced close is not a QUIT: nothing is purged.
	assert.Len(t, s.Messages("alice@example.com"), 1)
}

func TestStopWaitsForSessions(t *testing.T) {
	s := startServer(t, testOptions(t))
	require.NoError(t, s.AddAccount("alice@example.com", "secret", auth.Normal))
	_, err := s.Deliver("alice@example.com", []byte(aliceMessage))
	require.NoError(t, err)

	conn := pop3Conn(t, s)
	require.NoError(t, conn.Auth("alice@example.com", "secret"))
	require.NoError(t, conn.Dele(1))

	go func() {
		time.Sleep(50 * time.Millisecond)
		conn.Quit()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.Empty(t, s.Messages("alice@example.com"))
	assert.Len(t, s.Sessions(), 1)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := testOptions(t)
	opts.Registerer = reg
	s := startServer(t, opts)
	require.NoError(t, s.AddAccount("alice@example.com", "secret", auth.Normal))

	require.NoError(t, sendMail(t, s, "alice@example.com", "secret", "bob@example.com", []string{"alice@example.com"}, aliceMessage))

	conn := pop3Conn(t, s)
	require.NoError(t, conn.Auth("alice@example.com", "secret"))
	_, err := conn.RetrRaw(1)
	require.NoError(t, err)
	require.NoError(t, conn.Dele(1))
	require.NoError(t, conn.Quit())
	waitIdle(t, s)

	counter := func(name string) float64 {
		families, err := reg.Gather()
		require.NoError(t, err)
		for _, mf := range families {
			if mf.GetName() == name {
				return mf.GetMetric()[0].GetCounter().GetValue()
			}
		}
		t.Fatalf("metric %s not found", name)
		return 0
	}
	assert.Equal(t, 1.0, counter("mailmock_messages_delivered_total"))
	assert.Equal(t, 1.0, counter("mailmock_messages_retrieved_total"))
	assert.Equal(t, 1.0, counter("mailmock_messages_purged_total"))

	_, err = New(opts)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "registerer", cfgErr.Field)
}

func TestBindConflict(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()

	opts := testOptions(t)
	opts.POP3.Address = blocker.Addr().String()
	s, err := New(opts)
	require.NoError(t, err)

	err = s.Start()
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, "pop3.address", cfgErr.Field)
	var tErr *transport.TransportError
	assert.True(t, errors.As(err, &tErr))

	assert.Nil(t, s.SMTPAddr(), "SMTP must not be left running")
	assert.Nil(t, s.POP3Addr())

	blocker.Close()
	require.NoError(t, s.Start())
	defer s.Close()
	assert.Equal(t, opts.POP3.Address, s.POP3Addr().String())

	assert.Error(t, s.Start())
}

func TestReset(t *testing.T) {
	s := startServer(t, testOptions(t))
	require.NoError(t, s.AddAccount("alice@example.com", "secret", auth.Normal))
	_, err := s.Deliver("alice@example.com", []byte(aliceMessage))
	require.NoError(t, err)

	s.Reset()

	assert.Empty(t, s.Store().Accounts())
	assert.False(t, s.Credentials().Exists("alice@example.com"))
	assert.Empty(t, s.Sessions())
}

func TestAddAccountInvalid(t *testing.T) {
	s, err := New(testOptions(t))
	require.NoError(t, err)

	err = s.AddAccount("", "secret", auth.Normal)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.ErrorIs(t, err, auth.ErrInvalidAccount)

	err = s.AddAccount("bob@example.com", "secret", auth.FailAfter(-1))
	assert.ErrorIs(t, err, auth.ErrInvalidBehavior)
}

func TestBareAccountScenario(t *testing.T) {
	s := startServer(t, testOptions(t))
	require.NoError(t, s.AddAccount("alice", "secret", auth.Normal, "alice@example.com"))

	require.NoError(t, sendMail(t, s, "", "", "bob@example.com", []string{"alice"}, aliceMessage))
	require.NoError(t, sendMail(t, s, "", "", "bob@example.com", []string{"alice@example.com"}, aliceMessage))

	conn := pop3Conn(t, s)
	require.NoError(t, conn.Auth("alice", "secret"))
	count, _, err := conn.Stat()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	body, err := conn.RetrRaw(1)
	require.NoError(t, err)
	assert.Equal(t, aliceMessage, body.String())
	require.NoError(t, conn.Quit())

	assert.Equal(t, []string{"alice"}, s.Store().Accounts())
}

func TestPurgeSameMessageAppendedTwice(t *testing.T) {
	s := startServer(t, testOptions(t))
	require.NoError(t, s.AddAccount("alice", "secret", auth.Normal))

	msg, err := store.NewMessage("", []byte(aliceMessage), "bob@example.com", []string{"alice"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Store().Append("alice", msg))
	require.NoError(t, s.Store().Append("alice", msg))

	conn := pop3Conn(t, s)
	require.NoError(t, conn.Auth("alice", "secret"))
	uids, err := conn.Uidl(0)
	require.NoError(t, err)
	require.Len(t, uids, 2)
	assert.NotEqual(t, uids[0].UID, uids[1].UID)
	require.NoError(t, conn.Dele(1))
	require.NoError(t, conn.Quit())

	remaining := s.Messages("alice")
	require.Len(t, remaining, 1)
	assert.Equal(t, uids[1].UID, remaining[0].ID())
}

func TestDeliverZeroClock(t *testing.T) {
	opts := testOptions(t)
	opts.Clock = func() time.Time { return time.Time{} }
	s := startServer(t, opts)

	id, err := s.Deliver("alice", []byte(aliceMessage))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.NoError(t, sendMail(t, s, "", "", "bob@example.com", []string{"alice"}, aliceMessage))
	assert.Len(t, s.Messages("alice"), 2)
}

func TestStartRejectsMechanismsChangedAfterNew(t *testing.T) {
	opts := testOptions(t)
	s, err := New(opts)
	require.NoError(t, err)

	opts.POP3.Mechanisms = []string{"GSSAPI"}
	err = s.Start()
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Equal(t, "pop3.mechanisms", cfgErr.Field)
	assert.ErrorIs(t, err, mech.ErrUnsupported)
	assert.Nil(t, s.SMTPAddr(), "SMTP must not be left running")
}
