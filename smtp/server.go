// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package smtp

import (
	"context"
	"fmt"
	"net"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"src.bluestatic.org/mailmock/auth"
	"src.bluestatic.org/mailmock/internal/address"
	"src.bluestatic.org/mailmock/internal/journal"
	"src.bluestatic.org/mailmock/internal/mech"
	"src.bluestatic.org/mailmock/internal/metrics"
	"src.bluestatic.org/mailmock/internal/transport"
	"src.bluestatic.org/mailmock/store"
)

type ReplyLine struct {
	Code    int
	Message string
}

func (l ReplyLine) String() string {
	return fmt.Sprintf("%d %s", l.Code, l.Message)
}

var (
	ReplyOK          = ReplyLine{250, "2.0.0 OK"}
	ReplyBadSyntax   = ReplyLine{501, "5.5.4 syntax error"}
	ReplyBadSequence = ReplyLine{503, "5.5.1 bad sequence of commands"}
	ReplyBadMailbox  = ReplyLine{550, "5.1.1 mailbox unavailable"}

	ReplyUnknownCommand  = ReplyLine{500, "5.5.2 command unrecognized"}
	ReplyNotImplemented  = ReplyLine{502, "5.5.1 command not implemented"}
	ReplyAuthRequired    = ReplyLine{530, "5.7.0 authentication required"}
	ReplyAuthOK          = ReplyLine{235, "2.7.0 authentication successful"}
	ReplyAuthFailed      = ReplyLine{535, "5.7.8 authentication credentials invalid"}
	ReplyAuthCancelled   = ReplyLine{501, "5.0.0 authentication cancelled"}
	ReplyBadMechanism    = ReplyLine{504, "5.5.4 unrecognized authentication type"}
	ReplyEncryptRequired = ReplyLine{538, "5.7.11 encryption required for requested authentication mechanism"}
	ReplyTLSUnavailable  = ReplyLine{454, "4.7.0 TLS not available"}
	ReplyTooBig          = ReplyLine{552, "5.3.4 message size exceeds fixed maximum message size"}
	ReplyLocalError      = ReplyLine{451, "4.3.0 requested action aborted: local error in processing"}
)

type Envelope struct {
	RemoteAddr net.Addr
	EHLO       string
	MailFrom   mail.Address
	RcptTo     []mail.Address
	Data       []byte
	Received   time.Time
	ID         string
}

// Recipients returns the envelope recipient addresses.
func (e Envelope) Recipients() []string {
	out := make([]string, len(e.RcptTo))
	for i, rcpt := range e.RcptTo {
		out[i] = rcpt.Address
	}
	return out
}

// RecipientPolicy decides what happens to mail for accounts that have neither
// a mailbox nor registered credentials.
type RecipientPolicy int

const (
	// AcceptAll creates a mailbox on first delivery.
	AcceptAll RecipientPolicy = iota
	// RejectUnknown refuses the recipient with 550.
	RejectUnknown
)

// Config controls the behavior of an SMTP Server.
type Config struct {
	Hostname string

	// RequireAuth rejects mail transactions until the client authenticates.
	RequireAuth bool
	// AllowInsecureAuth offers AUTH over connections without TLS.
	AllowInsecureAuth bool
	Mechanisms        []string
	Recipients        RecipientPolicy

	// Disabled lists verbs that are answered with 502.
	Disabled []string
	// ReceivedHeader prepends a Received: trace header to stored messages.
	ReceivedHeader bool
	// MaxMessageSize limits DATA in octets. Zero means no limit.
	MaxMessageSize int

	Clock   func() time.Time
	Metrics metrics.Collector
	Journal *journal.Journal
}

// Server accepts mail into a store.
type Server struct {
	cfg      Config
	store    *store.Store
	creds    *auth.Registry
	auth     *mech.Authenticator
	log      *zap.Logger
	metrics  metrics.Collector
	disabled map[string]bool
	// domain is the Hostname in the form DomainForAddress returns.
	domain string
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
		domain:   domainOf(cfg.Hostname),
	}
}

func domainOf(host string) string {
	if key, err := address.Normalize("postmaster@" + host); err == nil {
		return DomainForAddress(mail.Address{Address: key})
	}
	return strings.ToLower(host)
}

func (s *Server) Name() string {
	return s.cfg.Hostname
}

// Serve runs a session on conn. It is a transport.Handler.
func (s *Server) Serve(ctx context.Context, conn *transport.Conn) {
	AcceptConnection(ctx, conn, s)
}

func (s *Server) exists(account string) bool {
	return s.store.Exists(account) || s.creds.Exists(account)
}

// Mailbox returns the account that mail for addr is delivered to, and whether
// that account already exists. Addresses routed with auth.Registry.AddAddress
// go to their owner. Otherwise an address in the server's own domain goes to
// the account named by its local part when there is one, and any other
// address is its own account.
func (s *Server) Mailbox(addr mail.Address) (string, bool, error) {
	key, err := address.Normalize(addr.Address)
	if err != nil {
		return "", false, err
	}
	if account, ok := s.creds.Resolve(key); ok {
		return account, true, nil
	}
	if s.exists(key) {
		return key, true, nil
	}
	if DomainForAddress(mail.Address{Address: key}) == s.domain {
		local := key[:strings.LastIndexByte(key, '@')]
		if s.exists(local) {
			return local, true, nil
		}
	}
	return key, false, nil
}

// Known reports whether mail for addr reaches an existing mailbox or
// registered account.
func (s *Server) Known(addr mail.Address) bool {
	_, known, err := s.Mailbox(addr)
	return err == nil && known
}

func (s *Server) VerifyAddress(addr mail.Address) ReplyLine {
	_, known, err := s.Mailbox(addr)
	if err != nil {
		return ReplyBadMailbox
	}
	if s.cfg.Recipients == RejectUnknown && !known {
		return ReplyBadMailbox
	}
	return ReplyOK
}

// DeliverMessage appends the envelope's data to the mailbox of every
// recipient, once per mailbox. A nil return means success.
func (s *Server) DeliverMessage(en Envelope) *ReplyLine {
	msg, err := store.NewMessage(en.ID, en.Data, en.MailFrom.Address, en.Recipients(), en.Received)
	if err != nil {
		s.log.Error("failed to create message", zap.Error(err))
		return &ReplyLocalError
	}
	delivered := make(map[string]bool)
	for _, rcpt := range en.RcptTo {
		account, _, err := s.Mailbox(rcpt)
		if err == nil {
			if delivered[account] {
				continue
			}
			delivered[account] = true
			err = s.store.Append(account, msg)
		}
		if err != nil {
			s.log.Error("failed to deliver message",
				zap.String("id", en.ID),
				zap.String("recipient", rcpt.Address),
				zap.Error(err))
			return &ReplyLocalError
		}
	}
	s.metrics.MessageDelivered(msg.Size())
	return nil
}

func (s *Server) mechanismEnabled(name string) bool {
	for _, m := range s.cfg.Mechanisms {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

// DomainForAddress returns the part of addr after the last '@'.
func DomainForAddress(addr mail.Address) string {
	return address.Domain(addr.Address)
}
