// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package smtp

import (
	"src.bluestatic.org/mailmock/internal/command"
)

const (
	stateConnected command.State = iota
	stateGreeted
	stateAuthenticated
	stateMail
	stateData
	stateClosed
)

func stateName(s command.State) string {
	switch s {
	case stateConnected:
		return "CONNECTED"
	case stateGreeted:
		return "GREETED"
	case stateAuthenticated:
		return "AUTHENTICATED"
	case stateMail:
		return "MAIL"
	case stateData:
		return "DATA"
	case stateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

var transitions = command.Transitions{
	stateConnected:     command.States(stateGreeted, stateClosed),
	stateGreeted:       command.States(stateAuthenticated, stateMail, stateConnected, stateClosed),
	stateAuthenticated: command.States(stateMail, stateClosed),
	stateMail:          command.States(stateData, stateGreeted, stateAuthenticated, stateClosed),
	stateData:          command.States(stateGreeted, stateAuthenticated, stateClosed),
}

type handler func(conn *connection)

var (
	inGreeted = command.States(stateGreeted)
	inBase    = command.States(stateGreeted, stateAuthenticated)
	inMail    = command.States(stateMail)
	inSession = command.States(stateGreeted, stateAuthenticated, stateMail)
	inOpen    = command.States(stateConnected, stateGreeted, stateAuthenticated, stateMail)
)

var grammar = command.New[handler](nil,
	command.Descriptor[handler]{Name: "HELO", MinArgs: 1, MaxArgs: 1, States: inOpen, Handler: (*connection).doHELO},
	command.Descriptor[handler]{Name: "EHLO", MinArgs: 1, MaxArgs: 1, States: inOpen, Handler: (*connection).doEHLO},
	command.Descriptor[handler]{Name: "STARTTLS", MinArgs: 0, MaxArgs: 0, States: inGreeted, Handler: (*connection).doSTARTTLS},
	command.Descriptor[handler]{Name: "AUTH", MinArgs: 1, MaxArgs: 2, States: inGreeted, Handler: (*connection).doAUTH},
	command.Descriptor[handler]{Name: "MAIL", MinArgs: 1, MaxArgs: command.Unbounded, States: inBase, Handler: (*connection).doMAIL},
	command.Descriptor[handler]{Name: "RCPT", MinArgs: 1, MaxArgs: command.Unbounded, States: inMail, Handler: (*connection).doRCPT},
	command.Descriptor[handler]{Name: "DATA", MinArgs: 0, MaxArgs: 0, States: inMail, Handler: (*connection).doDATA},
	command.Descriptor[handler]{Name: "RSET", MinArgs: 0, MaxArgs: 0, States: inOpen, Handler: (*connection).doRSET},
	command.Descriptor[handler]{Name: "VRFY", MinArgs: 1, MaxArgs: command.Unbounded, States: inSession, Handler: (*connection).doVRFY},
	command.Descriptor[handler]{Name: "NOOP", MinArgs: 0, MaxArgs: command.Unbounded, States: inOpen, Handler: (*connection).doNOOP},
	command.Descriptor[handler]{Name: "QUIT", MinArgs: 0, MaxArgs: 0, States: inOpen, Handler: (*connection).doQUIT},
)

// Commands lists the verbs the server understands.
func Commands() []string {
	return grammar.Names()
}
