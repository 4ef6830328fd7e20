// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// getReceivedInfo builds the RFC 5321 §4.4 trace header for a message. No
// reverse lookup is done on the client address.
func (conn *connection) getReceivedInfo(envelope Envelope) []byte {
	rhost := conn.remoteAddr.String()
	if host, _, err := net.SplitHostPort(rhost); err == nil {
		rhost = host
	}

	const crlf = "\r\n"
	const indent = "        "

	base := fmt.Sprintf("Received: from %s ([%s])", conn.ehlo, rhost) + crlf

	with := "SMTP"
	if conn.esmtp {
		with = "E" + with
	}
	if conn.tlsState != nil {
		with += "S"
	}
	base += indent + fmt.Sprintf("by %s (mailmock) with %s id %s", conn.server.Name(), with, envelope.ID) + crlf

	if len(envelope.RcptTo) > 0 {
		base += indent + fmt.Sprintf("for <%s>", envelope.RcptTo[0].Address) + crlf
	}

	transport := "PLAINTEXT"
	if conn.tlsState != nil {
		transport = tls.VersionName(conn.tlsState.Version)
	}
	base += indent + fmt.Sprintf("(using %s);", transport) + crlf

	base += indent + envelope.Received.Format(time.RFC1123Z) + crlf

	return []byte(base)
}
