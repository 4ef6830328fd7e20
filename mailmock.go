// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package mailmock runs an in-process SMTP and POP3 server for tests. Mail
// submitted over SMTP lands in an in-memory store that POP3 clients read
// from, and test code can inspect or seed both directly.
package mailmock

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"src.bluestatic.org/mailmock/auth"
	"src.bluestatic.org/mailmock/internal/journal"
	"src.bluestatic.org/mailmock/internal/mech"
	"src.bluestatic.org/mailmock/internal/metrics"
	"src.bluestatic.org/mailmock/internal/transport"
	"src.bluestatic.org/mailmock/pop3"
	"src.bluestatic.org/mailmock/smtp"
	"src.bluestatic.org/mailmock/store"
)

// Server owns the SMTP and POP3 listeners and the store and credential
// registry they share.
type Server struct {
	opts    Options
	log     *zap.Logger
	store   *store.Store
	creds   *auth.Registry
	journal *journal.Journal
	metrics metrics.Collector

	mu      sync.Mutex
	started bool
	smtp    *transport.Listener
	pop3    *transport.Listener
}

// New validates opts and prepares a Server. Nothing is bound until Start.
func New(opts Options) (*Server, error) {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		opts:    opts,
		log:     opts.Logger,
		store:   store.New(),
		creds:   auth.NewRegistry(),
		journal: journal.New(),
		metrics: metrics.Or(nil),
	}
	if opts.Registerer != nil {
		c, err := metrics.NewPrometheusCollector(opts.Registerer)
		if err != nil {
			return nil, configError("registerer", err)
		}
		s.metrics = c
	}
	return s, nil
}

// Start binds the enabled listeners and begins accepting connections. If any
// listener cannot be bound, none are left running and a *ConfigError is
// returned.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return configError("server", ErrAlreadyStarted)
	}

	tlsConfig := s.opts.tlsConfig()

	if o := s.opts.SMTP; o != nil {
		mechs, err := mech.Validate(o.Mechanisms)
		if err != nil {
			return configError("smtp.mechanisms", err)
		}
		server := smtp.NewServer(smtp.Config{
			Hostname:          s.opts.Hostname,
			RequireAuth:       o.RequireAuth,
			AllowInsecureAuth: o.AllowInsecureAuth,
			Mechanisms:        mechs,
			Recipients:        o.Recipients,
			Disabled:          o.DisabledCommands,
			ReceivedHeader:    o.ReceivedHeader,
			MaxMessageSize:    o.MaxMessageSize,
			Clock:             s.opts.Clock,
			Metrics:           s.metrics,
			Journal:           s.journal,
		}, s.store, s.creds, s.log.With(zap.String("server", "smtp")))

		l, err := s.listen("smtp", o.Address, o.TLS, tlsConfig, server.Serve)
		if err != nil {
			return err
		}
		s.smtp = l
	}

	if o := s.opts.POP3; o != nil {
		mechs, err := mech.Validate(o.Mechanisms)
		if err != nil {
			s.closeSMTP()
			return configError("pop3.mechanisms", err)
		}
		server := pop3.NewServer(pop3.Config{
			Hostname:    s.opts.Hostname,
			Mechanisms:  mechs,
			DisableAPOP: o.DisableAPOP,
			Disabled:    o.DisabledCommands,
			Clock:       s.opts.Clock,
			Metrics:     s.metrics,
			Journal:     s.journal,
		}, s.store, s.creds, s.log.With(zap.String("server", "pop3")))

		l, err := s.listen("pop3", o.Address, o.TLS, tlsConfig, server.Serve)
		if err != nil {
			s.closeSMTP()
			return err
		}
		s.pop3 = l
	}

	for _, l := range s.listeners() {
		l.Start()
	}
	s.started = true
	return nil
}

func (s *Server) closeSMTP() {
	if s.smtp != nil {
		s.smtp.Close()
		s.smtp = nil
	}
}

func (s *Server) listen(proto, addr string, mode TLSMode, tlsConfig *tls.Config, h transport.Handler) (*transport.Listener, error) {
	if mode == TLSNone {
		tlsConfig = nil
	}
	l, err := transport.Listen(transport.Config{
		Protocol:  proto,
		Address:   addr,
		Mode:      listenerMode(mode),
		TLSConfig: tlsConfig,
		Upgrade:   s.opts.Upgrade,
		Handler:   h,
		Log:       s.log,
		Metrics:   s.metrics,
	})
	if err != nil {
		return nil, configError(proto+".address", err)
	}
	s.log.Info("listening",
		zap.String("protocol", proto),
		zap.Stringer("address", l.Addr()),
		zap.Stringer("tls", mode))
	return l, nil
}

func (s *Server) listeners() []*transport.Listener {
	var ls []*transport.Listener
	if s.smtp != nil {
		ls = append(ls, s.smtp)
	}
	if s.pop3 != nil {
		ls = append(ls, s.pop3)
	}
	return ls
}

func (s *Server) snapshotListeners() []*transport.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners()
}

// Stop stops accepting connections and waits for running sessions to end.
// Sessions still running after the grace period, or when ctx is done, are
// closed. Sessions closed this way keep their pending POP3 deletions.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	ls := s.listeners()
	s.smtp, s.pop3 = nil, nil
	s.started = false
	s.mu.Unlock()

	if s.opts.GracePeriod > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.GracePeriod)
		defer cancel()
	}

	var g errgroup.Group
	for _, l := range ls {
		l := l
		g.Go(func() error {
			return l.Shutdown(ctx)
		})
	}
	err := g.Wait()
	s.log.Info("stopped")
	return err
}

// Close stops the server without waiting for sessions to finish.
func (s *Server) Close() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return s.Stop(ctx)
}

// WaitIdle blocks until no session is running or ctx is done.
func (s *Server) WaitIdle(ctx context.Context) error {
	for _, l := range s.snapshotListeners() {
		if err := l.WaitIdle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Active is the number of sessions currently running.
func (s *Server) Active() int {
	n := 0
	for _, l := range s.snapshotListeners() {
		n += l.Active()
	}
	return n
}

// Idle reports whether no session is running.
func (s *Server) Idle() bool {
	return s.Active() == 0
}

func (s *Server) SMTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.smtp == nil {
		return nil
	}
	return s.smtp.Addr()
}

func (s *Server) POP3Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pop3 == nil {
		return nil
	}
	return s.pop3.Addr()
}

// SMTPPort is the bound SMTP port, or 0 if SMTP is not running.
func (s *Server) SMTPPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.smtp == nil {
		return 0
	}
	return s.smtp.Port()
}

// POP3Port is the bound POP3 port, or 0 if POP3 is not running.
func (s *Server) POP3Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pop3 == nil {
		return 0
	}
	return s.pop3.Port()
}

// Store gives direct access to the mailboxes.
func (s *Server) Store() *store.Store {
	return s.store
}

// Credentials gives direct access to the credential registry.
func (s *Server) Credentials() *auth.Registry {
	return s.creds
}

// AddAccount registers credentials for account and creates its mailbox. Mail
// sent to any of addresses is delivered to that mailbox, so the account
// "alice" may receive mail for "alice@example.com".
func (s *Server) AddAccount(account, secret string, b auth.Behavior, addresses ...string) error {
	if err := s.creds.Register(account, secret, b); err != nil {
		return configError("account", err)
	}
	return s.addMailbox(account, addresses)
}

func (s *Server) addMailbox(account string, addresses []string) error {
	for _, addr := range addresses {
		if err := s.creds.AddAddress(account, addr); err != nil {
			return configError("account.addresses", err)
		}
	}
	if err := s.store.Create(account); err != nil {
		return configError("account", err)
	}
	return nil
}

// RemoveAccount drops the credentials and mailbox of account.
func (s *Server) RemoveAccount(account string) {
	s.creds.Unregister(account)
	s.store.Remove(account)
}

// Deliver stores data in the mailbox of account as if it had been submitted
// over SMTP, and returns the message's unique id.
func (s *Server) Deliver(account string, data []byte) (string, error) {
	now := s.opts.Clock()
	msg, err := store.NewMessage("", data, "", []string{account}, now)
	if err != nil {
		return "", err
	}
	if err := s.store.Append(account, msg); err != nil {
		return "", err
	}
	return msg.ID(), nil
}

// Messages returns the messages currently stored for account.
func (s *Server) Messages(account string) []*store.Message {
	return s.store.Snapshot(account)
}

// ResetCredentials zeroes the attempt counter of every account.
func (s *Server) ResetCredentials() {
	s.creds.ResetAll()
}

// Reset removes every mailbox, account and session record.
func (s *Server) Reset() {
	s.store.Clear()
	s.creds.Clear()
	s.journal.Clear()
}
