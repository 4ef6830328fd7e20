// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"context"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"src.bluestatic.org/mailmock/auth"
	"src.bluestatic.org/mailmock/internal/journal"
	"src.bluestatic.org/mailmock/internal/mech"
	"src.bluestatic.org/mailmock/internal/metrics"
	"src.bluestatic.org/mailmock/internal/transport"
	"src.bluestatic.org/mailmock/store"
)

type Message interface {
	UniqueID() string
	ID() int
	Size() int
	Deleted() bool
}

// Mailbox is a session's view of one account. Deletions are only marked until
// Close, which applies them to the underlying store.
type Mailbox interface {
	ListMessages() ([]Message, error)
	GetMessage(int) Message
	Retrieve(Message) (io.ReadCloser, error)
	Top(msg Message, lines int) (io.ReadCloser, error)
	Delete(Message) error
	Close() error
	Reset()
}

// Config controls the behavior of a POP3 Server.
type Config struct {
	// Hostname is announced in the greeting and APOP timestamp.
	Hostname string
	// Mechanisms are the SASL mechanisms accepted by AUTH. Nil disables AUTH.
	Mechanisms []string
	// DisableAPOP turns off the APOP command and its CAPA entry.
	DisableAPOP bool
	// Disabled lists verbs that are answered with an error without running.
	Disabled []string
	Clock    func() time.Time
	Metrics  metrics.Collector
	Journal  *journal.Journal
}

// Server serves the mailboxes in a store to POP3 clients.
type Server struct {
	cfg      Config
	store    *store.Store
	creds    *auth.Registry
	auth     *mech.Authenticator
	log      *zap.Logger
	metrics  metrics.Collector
	disabled map[string]bool
}

func NewServer(cfg Config, st *store.Store, creds *auth.Registry, log *zap.Logger) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	disabled := make(map[string]bool)
	for _, verb := range cfg.Disabled {
		disabled[strings.ToUpper(verb)] = true
	}
	if cfg.DisableAPOP {
		disabled["APOP"] = true
	}
	return &Server{
		cfg:   cfg,
		store: st,
		creds: creds,
		auth: &mech.Authenticator{
			Registry: creds,
			Hostname: cfg.Hostname,
			Clock:    cfg.Clock,
		},
		log:      log,
		metrics:  metrics.Or(cfg.Metrics),
		disabled: disabled,
	}
}

func (s *Server) Name() string {
	return s.cfg.Hostname
}

// OpenMailbox takes a snapshot of the account's messages.
func (s *Server) OpenMailbox(account string) Mailbox {
	return openMaildrop(s.store, account, s.metrics)
}

// Serve runs a session on conn. It is a transport.Handler.
func (s *Server) Serve(ctx context.Context, conn *transport.Conn) {
	AcceptConnection(ctx, conn, s)
}

func (s *Server) mechanismEnabled(name string) bool {
	for _, m := range s.cfg.Mechanisms {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}
