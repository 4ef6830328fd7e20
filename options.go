// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package mailmock

import (
	"crypto/tls"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"src.bluestatic.org/mailmock/internal/mech"
	"src.bluestatic.org/mailmock/internal/transport"
	"src.bluestatic.org/mailmock/pop3"
	"src.bluestatic.org/mailmock/smtp"
)

// TLSMode selects how a listener offers TLS.
type TLSMode int

const (
	// TLSNone serves plaintext only.
	TLSNone TLSMode = iota
	// TLSStartTLS offers an in-place upgrade with STARTTLS or STLS.
	TLSStartTLS
	// TLSImplicit performs the handshake as soon as a connection is accepted.
	TLSImplicit
)

func (m TLSMode) String() string {
	switch m {
	case TLSNone:
		return "none"
	case TLSStartTLS:
		return "starttls"
	case TLSImplicit:
		return "implicit"
	}
	return fmt.Sprintf("TLSMode(%d)", int(m))
}

func ParseTLSMode(s string) (TLSMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "plain":
		return TLSNone, nil
	case "starttls", "stls":
		return TLSStartTLS, nil
	case "implicit", "tls":
		return TLSImplicit, nil
	}
	return TLSNone, fmt.Errorf("%w: %q", ErrUnknownTLSMode, s)
}

// RecipientPolicy decides what the SMTP listener does with mail for accounts
// that have neither a mailbox nor credentials.
type RecipientPolicy = smtp.RecipientPolicy

const (
	AcceptAll     = smtp.AcceptAll
	RejectUnknown = smtp.RejectUnknown
)

func ParseRecipientPolicy(s string) (RecipientPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "accept", "accept-all":
		return AcceptAll, nil
	case "reject", "reject-unknown":
		return RejectUnknown, nil
	}
	return AcceptAll, fmt.Errorf("%w: %q", ErrUnknownRecipients, s)
}

// SMTPOptions configures the submission listener.
type SMTPOptions struct {
	// Address is a host:port. Port 0 picks an ephemeral port.
	Address string
	TLS     TLSMode

	RequireAuth       bool
	AllowInsecureAuth bool
	Recipients        RecipientPolicy
	// Mechanisms are the SASL mechanisms offered by AUTH.
	Mechanisms []string
	// DisabledCommands are answered with 502 without running.
	DisabledCommands []string
	ReceivedHeader   bool
	// MaxMessageSize in octets. Zero means unlimited.
	MaxMessageSize int
}

// POP3Options configures the retrieval listener.
type POP3Options struct {
	// Address is a host:port. Port 0 picks an ephemeral port.
	Address string
	TLS     TLSMode

	Mechanisms       []string
	DisabledCommands []string
	DisableAPOP      bool
}

// Options configures a Server. A nil SMTP or POP3 disables that protocol.
type Options struct {
	Hostname string

	SMTP *SMTPOptions
	POP3 *POP3Options

	// Certificate is presented by listeners whose TLS mode is not TLSNone.
	Certificate *tls.Certificate
	// Upgrade replaces the TLS handshake used by STARTTLS, STLS and implicit
	// TLS. Tests use it to simulate handshake failures.
	Upgrade transport.UpgradeFunc

	// GracePeriod bounds how long Stop waits for running sessions before
	// closing them. Zero waits until the Stop context is done.
	GracePeriod time.Duration

	Clock      func() time.Time
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// DefaultOptions enables both protocols on ephemeral loopback ports, in
// plaintext, with every SASL mechanism.
func DefaultOptions() Options {
	return Options{
		Hostname: "localhost",
		SMTP: &SMTPOptions{
			Address:    "127.0.0.1:0",
			Mechanisms: slices.Clone(mech.Supported),
		},
		POP3: &POP3Options{
			Address:    "127.0.0.1:0",
			Mechanisms: slices.Clone(mech.Supported),
		},
		GracePeriod: 5 * time.Second,
	}
}

// Validate checks the options without binding any port.
func (o Options) Validate() error {
	if o.SMTP == nil && o.POP3 == nil {
		return configError("options", ErrNoProtocols)
	}
	if o.GracePeriod < 0 {
		return configError("grace_period", fmt.Errorf("%w: %s", ErrInvalidValue, o.GracePeriod))
	}

	var smtpPort, pop3Port listenAddr
	if o.SMTP != nil {
		var err error
		if smtpPort, err = o.validateListener("smtp", o.SMTP.Address, o.SMTP.TLS, o.SMTP.Mechanisms, o.SMTP.DisabledCommands, smtp.Commands()); err != nil {
			return err
		}
		if o.SMTP.MaxMessageSize < 0 {
			return configError("smtp.max_message_size", fmt.Errorf("%w: %d", ErrInvalidValue, o.SMTP.MaxMessageSize))
		}
		if o.SMTP.Recipients != AcceptAll && o.SMTP.Recipients != RejectUnknown {
			return configError("smtp.recipients", ErrUnknownRecipients)
		}
	}
	if o.POP3 != nil {
		var err error
		if pop3Port, err = o.validateListener("pop3", o.POP3.Address, o.POP3.TLS, o.POP3.Mechanisms, o.POP3.DisabledCommands, pop3.Commands()); err != nil {
			return err
		}
	}
	if o.SMTP != nil && o.POP3 != nil && smtpPort.conflicts(pop3Port) {
		return configError("pop3.address", fmt.Errorf("%w: %d", ErrDuplicatePort, pop3Port.port))
	}
	return nil
}

type listenAddr struct {
	host string
	port int
}

func (a listenAddr) conflicts(b listenAddr) bool {
	if a.port == 0 || a.port != b.port {
		return false
	}
	wildcard := func(h string) bool { return h == "" || h == "0.0.0.0" || h == "::" }
	return a.host == b.host || wildcard(a.host) || wildcard(b.host)
}

func (o Options) validateListener(proto, addr string, mode TLSMode, mechs, disabled, verbs []string) (listenAddr, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return listenAddr{}, configError(proto+".address", fmt.Errorf("%w: %v", ErrInvalidAddress, err))
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return listenAddr{}, configError(proto+".address", fmt.Errorf("%w: port %q", ErrInvalidAddress, port))
	}

	switch mode {
	case TLSNone:
	case TLSStartTLS, TLSImplicit:
		if o.Certificate == nil {
			return listenAddr{}, configError(proto+".tls", ErrNoCertificate)
		}
	default:
		return listenAddr{}, configError(proto+".tls", fmt.Errorf("%w: %d", ErrUnknownTLSMode, int(mode)))
	}

	if _, err := mech.Validate(mechs); err != nil {
		return listenAddr{}, configError(proto+".mechanisms", err)
	}

	for _, cmd := range disabled {
		if !slices.Contains(verbs, strings.ToUpper(cmd)) {
			return listenAddr{}, configError(proto+".disabled_commands", fmt.Errorf("%w: %s", ErrUnknownCommand, cmd))
		}
	}
	return listenAddr{host: host, port: n}, nil
}

func (o Options) tlsConfig() *tls.Config {
	if o.Certificate == nil {
		return nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*o.Certificate},
		MinVersion:   tls.VersionTLS12,
	}
}

func listenerMode(m TLSMode) transport.Mode {
	if m == TLSImplicit {
		return transport.ModeImplicitTLS
	}
	return transport.ModePlain
}
