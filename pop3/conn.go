// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"context"
	"errors"
	"fmt"
	"io"
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

const (
	errStateAuth   = "not in AUTHORIZATION"
	errStateTxn    = "not in TRANSACTION"
	errSyntax      = "syntax error"
	errDeletedMsg  = "no such message - deleted"
	errNoSuchMsg   = "no such message"
	errAuthFailed  = "[AUTH] authentication failed"
	errUnknownCmd  = "unknown command"
	errDisabledCmd = "command disabled"
)

type connection struct {
	server *Server
	mb     Mailbox

	ctx context.Context
	nc  *transport.Conn
	tp  *textproto.Conn

	baseLog *zap.Logger
	log     *zap.Logger

	state  command.State
	broken bool
	line   command.Line

	// timestamp is the APOP challenge sent in the greeting.
	timestamp string
	user      string
	account   string

	record journal.Record
}

// AcceptConnection implements a POP3 server connection, parsing the client
// requests sent over `nc` and providing access to the mailboxes of `server`.
func AcceptConnection(ctx context.Context, nc *transport.Conn, server *Server) {
	log := server.log.With(
		zap.Stringer("client", nc.RemoteAddr()),
		zap.String("session", nc.ID()))
	conn := &connection{
		server:  server,
		ctx:     ctx,
		nc:      nc,
		tp:      textproto.NewConn(nc),
		baseLog: log,
		log:     log,
		state:   stateConnected,
		record: journal.Record{
			ID:         nc.ID(),
			Protocol:   "pop3",
			RemoteAddr: nc.RemoteAddr().String(),
			Started:    server.cfg.Clock(),
		},
	}
	defer conn.finish()

	conn.log.Info("accepted connection")
	conn.timestamp = fmt.Sprintf("<%s.%d@%s>", nc.ID()[:8], server.cfg.Clock().UnixNano(), server.Name())
	conn.ok(fmt.Sprintf("POP3 (mailmock) server %s ready %s", server.Name(), conn.timestamp))
	conn.setState(stateAuth)

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
		conn.server.metrics.CommandProcessed("pop3", line.Name)
	}
	if err != nil {
		switch {
		case errors.Is(err, command.ErrUnknownCommand):
			conn.err(errUnknownCmd)
		case errors.Is(err, command.ErrArgumentCount):
			conn.err(errSyntax)
		default:
			conn.err("invalid command")
		}
		return
	}

	if conn.server.disabled[line.Name] {
		conn.err(errDisabledCmd)
		return
	}
	if err := desc.Allowed(conn.state); err != nil {
		conn.log.Debug("command out of sequence", zap.Error(err))
		if desc.States.Contains(stateAuth) {
			conn.err(errStateAuth)
		} else {
			conn.err(errStateTxn)
		}
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

func (conn *connection) finish() {
	if conn.state != stateClosed && conn.mb != nil {
		conn.log.Info("session ended without QUIT, keeping messages")
	}
	conn.record.Account = conn.account
	conn.record.Secure = conn.nc.Secure()
	conn.record.Ended = conn.server.cfg.Clock()
	conn.server.cfg.Journal.Add(conn.record)
	conn.baseLog.Info("closed connection")
}

func (conn *connection) ok(msg string) {
	conn.log.Info("ok", zap.String("reply", msg))
	if len(msg) > 0 {
		msg = " " + msg
	}
	conn.write("+OK%s", msg)
}

func (conn *connection) err(msg string) {
	conn.log.Error("error", zap.String("message", msg))
	if len(msg) > 0 {
		msg = " " + msg
	}
	conn.write("-ERR%s", msg)
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

func (conn *connection) writeDot(r io.Reader) {
	if conn.broken {
		return
	}
	w := conn.tp.DotWriter()
	_, err := io.Copy(w, r)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		conn.log.Error("DotWriter", zap.Error(err))
		conn.broken = true
	}
}

func (conn *connection) doQUIT() {
	if conn.state == stateTxn {
		conn.setState(stateUpdate)
		if err := conn.mb.Close(); err != nil {
			conn.log.Error("failed to remove messages", zap.Error(err))
			conn.err("some deleted messages not removed")
			conn.setState(stateClosed)
			return
		}
	}
	conn.ok("goodbye")
	conn.setState(stateClosed)
}

func (conn *connection) doNOOP() {
	conn.ok("")
}

func (conn *connection) doUSER() {
	conn.user = conn.line.Args[0]
	conn.ok("")
}

func (conn *connection) doPASS() {
	if len(conn.user) == 0 {
		conn.err("no USER")
		return
	}

	pass := conn.line.Raw
	outcome := conn.server.creds.Authenticate(conn.user, pass)
	conn.login(conn.user, "USER", outcome == auth.Success)
}

func (conn *connection) doAPOP() {
	name, digest := conn.line.Args[0], conn.line.Args[1]
	outcome := mech.VerifyAPOP(conn.server.creds, name, conn.timestamp, digest)
	conn.login(name, "APOP", outcome == auth.Success)
}

// login finishes an authentication attempt. On success the maildrop is
// opened and the session enters TRANSACTION.
func (conn *connection) login(user, mechanism string, success bool) {
	conn.server.metrics.AuthAttempt("pop3", mechanism, success)
	if !success {
		conn.log.Error("authentication failed", zap.String("user", user))
		conn.err(errAuthFailed)
		return
	}

	account, err := store.NormalizeAccount(user)
	if err != nil {
		conn.err(errAuthFailed)
		return
	}
	conn.account = account
	conn.mb = conn.server.OpenMailbox(account)
	conn.setState(stateTxn)
	conn.log.Info("authenticated", zap.String("user", account))

	count, size := conn.stat()
	conn.ok(fmt.Sprintf("maildrop has %d messages (%d octets)", count, size))
}

type conversation struct {
	conn *connection
}

func (c conversation) Challenge(challenge []byte) ([]byte, error) {
	c.conn.write("+ %s", mech.Encode(challenge))
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
	if len(conn.line.Args) == 0 {
		conn.ok("")
		for _, m := range conn.server.cfg.Mechanisms {
			conn.write("%s", m)
		}
		conn.write(".")
		return
	}

	name := strings.ToUpper(conn.line.Args[0])
	if !conn.server.mechanismEnabled(name) {
		conn.err("unsupported authentication mechanism")
		return
	}

	var initial []byte
	if len(conn.line.Args) == 2 {
		var err error
		if initial, err = mech.Decode(conn.line.Args[1]); err != nil {
			conn.err("invalid initial response")
			return
		}
	}

	account, err := conn.server.auth.Authenticate(name, initial, conversation{conn})
	switch {
	case conn.broken:
		return
	case err == nil:
		conn.login(account, name, true)
	case errors.Is(err, auth.ErrAuthFailed):
		conn.login(account, name, false)
	case errors.Is(err, mech.ErrCancelled):
		conn.err("authentication cancelled")
	default:
		conn.log.Error("SASL exchange failed", zap.Error(err))
		conn.err("invalid authentication response")
	}
}

func (conn *connection) doSTLS() {
	if conn.nc.Secure() {
		conn.err("command not permitted when TLS active")
		return
	}
	if !conn.nc.CanUpgrade() {
		conn.err("TLS not available")
		return
	}

	conn.ok("Begin TLS negotiation")
	if conn.broken {
		return
	}
	if err := conn.nc.StartTLS(conn.ctx); err != nil {
		conn.log.Error("TLS handshake failed", zap.Error(err))
		conn.broken = true
		return
	}
	conn.tp = textproto.NewConn(conn.nc)
	conn.user = ""
	conn.server.metrics.TLSEstablished("pop3")
	conn.log.Info("TLS established")
}

func (conn *connection) doCAPA() {
	conn.ok("capability list")

	var caps []string
	if conn.state == stateAuth && conn.nc.CanUpgrade() {
		caps = append(caps, "STLS")
	}
	caps = append(caps, "USER")
	if !conn.server.disabled["APOP"] {
		caps = append(caps, "APOP")
	}
	if len(conn.server.cfg.Mechanisms) > 0 {
		caps = append(caps, "SASL "+strings.Join(conn.server.cfg.Mechanisms, " "))
	}
	caps = append(caps,
		"TOP",
		"UIDL",
		"RESP-CODES",
		"AUTH-RESP-CODE",
		"EXPIRE NEVER",
		"IMPLEMENTATION mailmock",
		".",
	)
	for _, c := range caps {
		conn.write("%s", c)
	}
}

func (conn *connection) stat() (count, size int) {
	msgs, _ := conn.mb.ListMessages()
	for _, msg := range msgs {
		if msg.Deleted() {
			continue
		}
		size += msg.Size()
		count++
	}
	return
}

func (conn *connection) doSTAT() {
	count, size := conn.stat()
	conn.ok(fmt.Sprintf("%d %d", count, size))
}

func (conn *connection) doLIST() {
	if len(conn.line.Args) == 1 {
		msg := conn.getRequestedMessage(conn.line.Args[0])
		if msg == nil {
			return
		}
		conn.ok(fmt.Sprintf("%d %d", msg.ID(), msg.Size()))
		return
	}

	msgs, err := conn.mb.ListMessages()
	if err != nil {
		conn.log.Error("failed to list messages", zap.Error(err))
		conn.err(err.Error())
		return
	}

	count, size := conn.stat()
	conn.ok(fmt.Sprintf("%d messages (%d octets)", count, size))
	for _, msg := range msgs {
		if msg.Deleted() {
			continue
		}
		conn.write("%d %d", msg.ID(), msg.Size())
	}
	conn.write(".")
}

func (conn *connection) doUIDL() {
	if len(conn.line.Args) == 1 {
		msg := conn.getRequestedMessage(conn.line.Args[0])
		if msg == nil {
			return
		}
		conn.ok(fmt.Sprintf("%d %s", msg.ID(), msg.UniqueID()))
		return
	}

	msgs, err := conn.mb.ListMessages()
	if err != nil {
		conn.log.Error("failed to list messages", zap.Error(err))
		conn.err(err.Error())
		return
	}

	conn.ok("unique-id listing")
	for _, msg := range msgs {
		if msg.Deleted() {
			continue
		}
		conn.write("%d %s", msg.ID(), msg.UniqueID())
	}
	conn.write(".")
}

func (conn *connection) doRETR() {
	msg := conn.getRequestedMessage(conn.line.Args[0])
	if msg == nil {
		return
	}

	rc, err := conn.mb.Retrieve(msg)
	if err != nil {
		conn.log.Error("failed to retrieve message", zap.Error(err))
		conn.err(err.Error())
		return
	}
	defer rc.Close()

	conn.log.Info("retrieve message", zap.String("unique-id", msg.UniqueID()))
	conn.ok(fmt.Sprintf("%d octets", msg.Size()))
	conn.writeDot(rc)
}

func (conn *connection) doTOP() {
	msg := conn.getRequestedMessage(conn.line.Args[0])
	if msg == nil {
		return
	}
	lines, err := strconv.Atoi(conn.line.Args[1])
	if err != nil || lines < 0 {
		conn.err(errSyntax)
		return
	}

	rc, err := conn.mb.Top(msg, lines)
	if err != nil {
		conn.log.Error("failed to retrieve message", zap.Error(err))
		conn.err(err.Error())
		return
	}
	defer rc.Close()

	conn.ok("top of message follows")
	conn.writeDot(rc)
}

func (conn *connection) doDELE() {
	msg := conn.getRequestedMessage(conn.line.Args[0])
	if msg == nil {
		return
	}

	if err := conn.mb.Delete(msg); err != nil {
		conn.log.Error("failed to delete message", zap.Error(err))
		conn.err(err.Error())
		return
	}
	conn.log.Info("delete message", zap.String("unique-id", msg.UniqueID()))
	conn.ok(fmt.Sprintf("message %d deleted", msg.ID()))
}

func (conn *connection) doRSET() {
	conn.mb.Reset()
	conn.log.Info("reset")
	count, size := conn.stat()
	conn.ok(fmt.Sprintf("maildrop has %d messages (%d octets)", count, size))
}

func (conn *connection) getRequestedMessage(arg string) Message {
	idx, err := strconv.Atoi(arg)
	if err != nil {
		conn.err(errSyntax)
		return nil
	}

	if idx < 1 {
		conn.err("invalid message-number")
		return nil
	}

	msg := conn.mb.GetMessage(idx)
	if msg == nil {
		conn.err(errNoSuchMsg)
		return nil
	}
	if msg.Deleted() {
		conn.err(errDeletedMsg)
		return nil
	}
	return msg
}
