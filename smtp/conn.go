// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"net/textproto"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"src.bluestatic.org/mailmock/auth"
	"src.bluestatic.org/mailmock/internal/command"
	"src.bluestatic.org/mailmock/internal/journal"
	"src.bluestatic.org/mailmock/internal/mech"
	"src.bluestatic.org/mailmock/internal/transport"
	"src.bluestatic.org/mailmock/store"
)

type connection struct {
	server *Server

	ctx context.Context
	nc  *transport.Conn
	tp  *textproto.Conn

	remoteAddr net.Addr
	tlsState   *tls.ConnectionState

	baseLog *zap.Logger
	log     *zap.Logger

	state  command.State
	broken bool
	line   command.Line

	esmtp bool
	ehlo  string

	// account is set once AUTH succeeds.
	account string

	mailFrom *mail.Address
	rcptTo   []mail.Address

	record journal.Record
}

// AcceptConnection runs an SMTP session on `nc`, delivering accepted messages
// through `server`.
func AcceptConnection(ctx context.Context, nc *transport.Conn, server *Server) {
	log := server.log.With(
		zap.Stringer("client", nc.RemoteAddr()),
		zap.String("session", nc.ID()))
	conn := &connection{
		server:     server,
		ctx:        ctx,
		nc:         nc,
		tp:         textproto.NewConn(nc),
		remoteAddr: nc.RemoteAddr(),
		baseLog:    log,
		log:        log,
		state:      stateConnected,
		record: journal.Record{
			ID:         nc.ID(),
			Protocol:   "smtp",
			RemoteAddr: nc.RemoteAddr().String(),
			Started:    server.cfg.Clock(),
		},
	}
	if state, ok := nc.ConnectionState(); ok {
		conn.tlsState = &state
	}
	defer conn.finish()

	conn.log.Info("accepted connection")
	conn.writeReply(220, fmt.Sprintf("%s ESMTP Service ready", server.Name()))

	for conn.state != stateClosed && !conn.broken {
		text, err := conn.tp.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				conn.log.Error("ReadLine()", zap.Error(err))
			}
			return
		}
		conn.handle(text)
	}
}

func (conn *connection) handle(text string) {
	conn.log = conn.baseLog
	line, desc, err := grammar.Parse(text)
	if line.Name != "" {
		conn.log = conn.baseLog.With(zap.String("command", line.Name))
		conn.record.Commands = append(conn.record.Commands, line.String())
	}
	if desc != nil {
		conn.server.metrics.CommandProcessed("smtp", line.Name)
	}
	if err != nil {
		switch {
		case errors.Is(err, command.ErrArgumentCount):
			conn.reply(ReplyBadSyntax)
		default:
			conn.reply(ReplyUnknownCommand)
		}
		return
	}

	if conn.server.disabled[line.Name] {
		conn.reply(ReplyNotImplemented)
		return
	}
	if err := desc.Allowed(conn.state); err != nil {
		conn.log.Debug("command out of sequence", zap.Error(err))
		conn.reply(ReplyBadSequence)
		return
	}

	conn.line = line
	desc.Handler(conn)
}

func (conn *connection) setState(to command.State) {
	if !transitions.Allowed(conn.state, to) {
		conn.log.DPanic("illegal state transition",
			zap.String("from", stateName(conn.state)),
			zap.String("to", stateName(to)))
		return
	}
	conn.state = to
}

// baseState is the state a session returns to after a mail transaction ends.
func (conn *connection) baseState() command.State {
	if conn.account != "" {
		return stateAuthenticated
	}
	return stateGreeted
}

func (conn *connection) finish() {
	if conn.mailFrom != nil {
		conn.log.Info("session ended with an open transaction, discarding it")
	}
	conn.record.Account = conn.account
	conn.record.Secure = conn.nc.Secure()
	conn.record.Ended = conn.server.cfg.Clock()
	conn.server.cfg.Journal.Add(conn.record)
	conn.baseLog.Info("closed connection")
}

func (conn *connection) reply(reply ReplyLine) {
	conn.writeReply(reply.Code, reply.Message)
}

func (conn *connection) writeReply(code int, msg string) {
	if code >= 400 {
		conn.log.Error("error", zap.Int("code", code), zap.String("message", msg))
	} else {
		conn.log.Info("ok", zap.Int("code", code), zap.String("reply", msg))
	}
	conn.write("%d %s", code, msg)
}

func (conn *connection) write(format string, args ...any) {
	if conn.broken {
		return
	}
	if err := conn.tp.PrintfLine(format, args...); err != nil {
		conn.log.Error("PrintfLine()", zap.Error(err))
		conn.broken = true
	}
}

func (conn *connection) resetTransaction() {
	conn.mailFrom = nil
	conn.rcptTo = nil
}

func (conn *connection) doHELO() {
	conn.greet(false)
	conn.writeReply(250, fmt.Sprintf("%s Hello %s", conn.server.Name(), conn.ehlo))
}

func (conn *connection) doEHLO() {
	conn.greet(true)

	lines := []string{
		fmt.Sprintf("%s Hello %s", conn.server.Name(), conn.ehlo),
		"8BITMIME",
	}
	if limit := conn.server.cfg.MaxMessageSize; limit > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", limit))
	} else {
		lines = append(lines, "SIZE")
	}
	if conn.nc.CanUpgrade() {
		lines = append(lines, "STARTTLS")
	}
	if conn.authAllowed() && conn.account == "" && len(conn.server.cfg.Mechanisms) > 0 {
		lines = append(lines, "AUTH "+strings.Join(conn.server.cfg.Mechanisms, " "))
	}
	lines = append(lines, "ENHANCEDSTATUSCODES")

	conn.log.Info("ok", zap.Int("code", 250), zap.Strings("extensions", lines[1:]))
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		conn.write("250%s%s", sep, l)
	}
}

// greet records the client's HELO/EHLO and aborts any mail transaction.
func (conn *connection) greet(esmtp bool) {
	conn.esmtp = esmtp
	conn.ehlo = conn.line.Args[0]
	conn.resetTransaction()
	if conn.state == stateConnected {
		conn.setState(stateGreeted)
	} else {
		conn.setState(conn.baseState())
	}
}

func (conn *connection) authAllowed() bool {
	return conn.nc.Secure() || conn.server.cfg.AllowInsecureAuth
}

func (conn *connection) doSTARTTLS() {
	if conn.nc.Secure() {
		conn.writeReply(503, "5.5.1 TLS already active")
		return
	}
	if !conn.nc.CanUpgrade() {
		conn.reply(ReplyTLSUnavailable)
		return
	}

	conn.writeReply(220, "2.0.0 Ready to start TLS")
	if conn.broken {
		return
	}
	if err := conn.nc.StartTLS(conn.ctx); err != nil {
		conn.log.Error("TLS handshake failed", zap.Error(err))
		conn.broken = true
		return
	}

	// RFC 3207 §4.2: the client must start over with EHLO.
	conn.tp = textproto.NewConn(conn.nc)
	if state, ok := conn.nc.ConnectionState(); ok {
		conn.tlsState = &state
	}
	conn.ehlo = ""
	conn.esmtp = false
	conn.resetTransaction()
	conn.setState(stateConnected)
	conn.server.metrics.TLSEstablished("smtp")
	conn.log.Info("TLS established")
}

type conversation struct {
	conn *connection
}

func (c conversation) Challenge(challenge []byte) ([]byte, error) {
	c.conn.write("334 %s", mech.Encode(challenge))
	if c.conn.broken {
		return nil, io.ErrClosedPipe
	}
	line, err := c.conn.tp.ReadLine()
	if err != nil {
		c.conn.broken = true
		return nil, err
	}
	return mech.Decode(line)
}

func (conn *connection) doAUTH() {
	if !conn.authAllowed() {
		conn.reply(ReplyEncryptRequired)
		return
	}

	name := strings.ToUpper(conn.line.Args[0])
	if !conn.server.mechanismEnabled(name) {
		conn.reply(ReplyBadMechanism)
		return
	}

	var initial []byte
	if len(conn.line.Args) == 2 {
		var err error
		if initial, err = mech.Decode(conn.line.Args[1]); err != nil {
			conn.reply(ReplyBadSyntax)
			return
		}
	}

	account, err := conn.server.auth.Authenticate(name, initial, conversation{conn})
	switch {
	case conn.broken:
		return
	case err == nil:
		conn.server.metrics.AuthAttempt("smtp", name, true)
		if normalized, nerr := store.NormalizeAccount(account); nerr == nil {
			account = normalized
		}
		conn.account = account
		conn.setState(stateAuthenticated)
		conn.log.Info("authenticated", zap.String("user", account))
		conn.reply(ReplyAuthOK)
	case errors.Is(err, auth.ErrAuthFailed):
		conn.server.metrics.AuthAttempt("smtp", name, false)
		conn.log.Error("authentication failed", zap.String("user", account))
		conn.reply(ReplyAuthFailed)
	case errors.Is(err, mech.ErrCancelled):
		conn.reply(ReplyAuthCancelled)
	default:
		conn.log.Error("SASL exchange failed", zap.Error(err))
		conn.reply(ReplyBadSyntax)
	}
}

func (conn *connection) requireAuth() bool {
	if conn.server.cfg.RequireAuth && conn.account == "" {
		conn.reply(ReplyAuthRequired)
		return false
	}
	return true
}

// parsePath parses a "FROM:<path> params" or "TO:<path> params" argument.
// An empty path "<>" yields a zero Address.
func parsePath(raw, prefix string) (mail.Address, []string, error) {
	if len(raw) < len(prefix) || !strings.EqualFold(raw[:len(prefix)], prefix) {
		return mail.Address{}, nil, fmt.Errorf("missing %s", prefix)
	}
	raw = strings.TrimLeft(raw[len(prefix):], " ")
	if !strings.HasPrefix(raw, "<") {
		return mail.Address{}, nil, errors.New("path not enclosed in <>")
	}
	end := strings.IndexByte(raw, '>')
	if end < 0 {
		return mail.Address{}, nil, errors.New("path not enclosed in <>")
	}
	params := strings.Fields(raw[end+1:])
	if end == 1 {
		return mail.Address{}, params, nil
	}
	addr, err := parseMailbox(raw[1:end])
	if err != nil {
		return mail.Address{}, nil, err
	}
	return addr, params, nil
}

// parseMailbox accepts an address, or a bare local part such as "alice" or
// "postmaster" naming an account on this server.
func parseMailbox(s string) (mail.Address, error) {
	if !strings.Contains(s, "@") {
		if s == "" || strings.ContainsAny(s, " \t\"(),:;<>[\\]") {
			return mail.Address{}, fmt.Errorf("invalid local part %q", s)
		}
		return mail.Address{Address: s}, nil
	}
	addr, err := mail.ParseAddress("<" + s + ">")
	if err != nil {
		return mail.Address{}, err
	}
	return *addr, nil
}

func (conn *connection) doMAIL() {
	if !conn.requireAuth() {
		return
	}

	addr, params, err := parsePath(conn.line.Raw, "FROM:")
	if err != nil {
		conn.log.Error("bad MAIL path", zap.Error(err))
		conn.reply(ReplyBadSyntax)
		return
	}
	for _, param := range params {
		key, value, _ := strings.Cut(param, "=")
		if !strings.EqualFold(key, "SIZE") {
			continue
		}
		size, err := strconv.Atoi(value)
		if err != nil {
			conn.reply(ReplyBadSyntax)
			return
		}
		if limit := conn.server.cfg.MaxMessageSize; limit > 0 && size > limit {
			conn.reply(ReplyTooBig)
			return
		}
	}

	conn.mailFrom = &addr
	conn.rcptTo = nil
	conn.setState(stateMail)
	conn.writeReply(250, "2.1.0 Sender OK")
}

func (conn *connection) doRCPT() {
	addr, _, err := parsePath(conn.line.Raw, "TO:")
	if err != nil || addr.Address == "" {
		conn.log.Error("bad RCPT path", zap.Error(err))
		conn.reply(ReplyBadSyntax)
		return
	}

	if reply := conn.server.VerifyAddress(addr); reply != ReplyOK {
		conn.log.Info("invalid recipient", zap.String("address", addr.Address))
		conn.reply(reply)
		return
	}

	conn.rcptTo = append(conn.rcptTo, addr)
	conn.writeReply(250, "2.1.5 Recipient OK")
}

func (conn *connection) doDATA() {
	if len(conn.rcptTo) == 0 {
		conn.writeReply(503, "5.5.1 no valid recipients")
		return
	}

	conn.setState(stateData)
	conn.writeReply(354, "Start mail input; end with <CRLF>.<CRLF>")
	if conn.broken {
		return
	}

	data, tooBig, err := conn.readData()
	if err != nil {
		// The partial message is dropped with the connection.
		conn.log.Error("failed to read DATA", zap.Error(err))
		conn.broken = true
		return
	}

	defer func() {
		conn.resetTransaction()
		conn.setState(conn.baseState())
	}()

	if tooBig {
		conn.reply(ReplyTooBig)
		return
	}

	received := conn.server.cfg.Clock()
	id, err := store.NewID(received)
	if err != nil {
		conn.log.Error("no message id", zap.Error(err))
		conn.reply(ReplyLocalError)
		return
	}
	en := Envelope{
		RemoteAddr: conn.remoteAddr,
		EHLO:       conn.ehlo,
		MailFrom:   *conn.mailFrom,
		RcptTo:     conn.rcptTo,
		Received:   received,
		ID:         id,
	}
	if conn.server.cfg.ReceivedHeader {
		data = append(conn.getReceivedInfo(en), data...)
	}
	en.Data = data

	if reply := conn.server.DeliverMessage(en); reply != nil {
		conn.reply(*reply)
		return
	}

	conn.record.Transactions = append(conn.record.Transactions, journal.Transaction{
		MessageID: en.ID,
		From:      en.MailFrom.Address,
		To:        en.Recipients(),
		Size:      len(en.Data),
	})
	conn.log.Info("message delivered",
		zap.String("id", en.ID),
		zap.Strings("recipients", en.Recipients()),
		zap.Int("size", len(en.Data)))
	conn.writeReply(250, fmt.Sprintf("2.0.0 OK: queued as %s", en.ID))
}

// readData reads dot-terminated message content, undoing dot-stuffing and
// keeping CRLF line endings. Content beyond MaxMessageSize is read and
// discarded.
func (conn *connection) readData() (data []byte, tooBig bool, err error) {
	var buf bytes.Buffer
	limit := conn.server.cfg.MaxMessageSize
	for {
		line, err := conn.tp.ReadLine()
		if err != nil {
			return nil, false, err
		}
		if line == "." {
			break
		}
		line = strings.TrimPrefix(line, ".")
		if tooBig {
			continue
		}
		if limit > 0 && buf.Len()+len(line)+2 > limit {
			tooBig = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
	if tooBig {
		return nil, true, nil
	}
	return buf.Bytes(), false, nil
}

func (conn *connection) doRSET() {
	conn.resetTransaction()
	if conn.state != stateConnected {
		conn.setState(conn.baseState())
	}
	conn.reply(ReplyOK)
}

func (conn *connection) doVRFY() {
	if !conn.requireAuth() {
		return
	}

	arg := strings.TrimSpace(conn.line.Raw)
	arg = strings.TrimSuffix(strings.TrimPrefix(arg, "<"), ">")
	addr, err := parseMailbox(arg)
	if err != nil {
		conn.reply(ReplyBadSyntax)
		return
	}
	if conn.server.Known(addr) {
		conn.writeReply(250, fmt.Sprintf("2.1.5 <%s>", addr.Address))
		return
	}
	conn.writeReply(252, "2.5.0 Cannot VRFY user, but will accept message")
}

func (conn *connection) doNOOP() {
	conn.reply(ReplyOK)
}

func (conn *connection) doQUIT() {
	conn.writeReply(221, fmt.Sprintf("2.0.0 %s closing connection", conn.server.Name()))
	conn.setState(stateClosed)
}
