// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"src.bluestatic.org/mailmock/internal/command"
)

const (
	stateConnected command.State = iota
	stateAuth
	stateTxn
	stateUpdate
	stateClosed
)

func stateName(s command.State) string {
	switch s {
	case stateConnected:
		return "CONNECTED"
	case stateAuth:
		return "AUTHORIZATION"
	case stateTxn:
		return "TRANSACTION"
	case stateUpdate:
		return "UPDATE"
	case stateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

var transitions = command.Transitions{
	stateConnected: command.States(stateAuth, stateClosed),
	stateAuth:      command.States(stateTxn, stateClosed),
	stateTxn:       command.States(stateUpdate, stateClosed),
	stateUpdate:    command.States(stateClosed),
}

type handler func(conn *connection)

var (
	inAuth = command.States(stateAuth)
	inTxn  = command.States(stateTxn)
	inAny  = command.States(stateAuth, stateTxn)
)

var grammar = command.New[handler](nil,
	command.Descriptor[handler]{Name: "USER", MinArgs: 1, MaxArgs: 1, States: inAuth, Handler: (*connection).doUSER},
	command.Descriptor[handler]{Name: "PASS", MinArgs: 1, MaxArgs: command.Unbounded, States: inAuth, Handler: (*connection).doPASS},
	command.Descriptor[handler]{Name: "APOP", MinArgs: 2, MaxArgs: 2, States: inAuth, Handler: (*connection).doAPOP},
	command.Descriptor[handler]{Name: "AUTH", MinArgs: 0, MaxArgs: 2, States: inAuth, Handler: (*connection).doAUTH},
	command.Descriptor[handler]{Name: "STLS", MinArgs: 0, MaxArgs: 0, States: inAuth, Handler: (*connection).doSTLS},
	command.Descriptor[handler]{Name: "STAT", MinArgs: 0, MaxArgs: 0, States: inTxn, Handler: (*connection).doSTAT},
	command.Descriptor[handler]{Name: "LIST", MinArgs: 0, MaxArgs: 1, States: inTxn, Handler: (*connection).doLIST},
	command.Descriptor[handler]{Name: "UIDL", MinArgs: 0, MaxArgs: 1, States: inTxn, Handler: (*connection).doUIDL},
	command.Descriptor[handler]{Name: "RETR", MinArgs: 1, MaxArgs: 1, States: inTxn, Handler: (*connection).doRETR},
	command.Descriptor[handler]{Name: "TOP", MinArgs: 2, MaxArgs: 2, States: inTxn, Handler: (*connection).doTOP},
	command.Descriptor[handler]{Name: "DELE", MinArgs: 1, MaxArgs: 1, States: inTxn, Handler: (*connection).doDELE},
	command.Descriptor[handler]{Name: "RSET", MinArgs: 0, MaxArgs: 0, States: inTxn, Handler: (*connection).doRSET},
	command.Descriptor[handler]{Name: "NOOP", MinArgs: 0, MaxArgs: 0, States: inAny, Handler: (*connection).doNOOP},
	command.Descriptor[handler]{Name: "CAPA", MinArgs: 0, MaxArgs: 0, States: inAny, Handler: (*connection).doCAPA},
	command.Descriptor[handler]{Name: "QUIT", MinArgs: 0, MaxArgs: 0, States: inAny, Handler: (*connection).doQUIT},
)

// Commands lists the verbs the server understands.
func Commands() []string {
	return grammar.Names()
}
