// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package mailmock

import (
	"src.bluestatic.org/mailmock/internal/journal"
)

// SessionRecord describes one finished SMTP or POP3 session.
type SessionRecord = journal.Record

// Transaction is a message accepted during an SMTP session.
type Transaction = journal.Transaction

// Sessions returns the sessions that have finished, oldest first.
func (s *Server) Sessions() []SessionRecord {
	return s.journal.Records()
}

// SessionsFor returns the finished sessions of one protocol, "smtp" or "pop3".
func (s *Server) SessionsFor(protocol string) []SessionRecord {
	return s.journal.Find(protocol)
}

// ClearSessions forgets all finished sessions.
func (s *Server) ClearSessions() {
	s.journal.Clear()
}
