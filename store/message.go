// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package store

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/oklog/ulid/v2"
)

// Message is a single stored mail message. A Message is immutable once it has
// been constructed, so it may be shared between mailboxes and sessions.
type Message struct {
	id         string
	data       []byte
	sender     string
	recipients []string
	received   time.Time
}

// NewID returns a new unique, lexically sortable message identifier. Times
// outside the range a ULID can encode are clamped to it.
func NewID(t time.Time) (string, error) {
	ms := uint64(0)
	if t.After(time.UnixMilli(0)) {
		ms = ulid.Timestamp(t)
	}
	if ms > ulid.MaxTime() {
		ms = ulid.MaxTime()
	}
	id, err := ulid.New(ms, ulid.DefaultEntropy())
	if err != nil {
		// The monotonic source overflows only after 2^80 ids in one
		// millisecond; start over with fresh randomness.
		if id, err = ulid.New(ms, rand.Reader); err != nil {
			return "", fmt.Errorf("store: generating message id: %w", err)
		}
	}
	return id.String(), nil
}

// NewMessage copies data into a new Message. If id is empty, one is generated
// with NewID.
func NewMessage(id string, data []byte, sender string, recipients []string, received time.Time) (*Message, error) {
	if id == "" {
		var err error
		if id, err = NewID(received); err != nil {
			return nil, err
		}
	}
	return &Message{
		id:         id,
		data:       bytes.Clone(data),
		sender:     sender,
		recipients: append([]string(nil), recipients...),
		received:   received,
	}, nil
}

// withID returns a copy of m under a different identifier. The content is
// shared since it is never modified.
func (m *Message) withID(id string) *Message {
	c := *m
	c.id = id
	return &c
}

// ID is the stable unique identifier of the message. It is at most 70
// printable characters, as required of a POP3 unique-id.
func (m *Message) ID() string { return m.id }

// Size is the length of the message content in octets.
func (m *Message) Size() int { return len(m.data) }

// Data returns a copy of the message content.
func (m *Message) Data() []byte { return bytes.Clone(m.data) }

// Reader returns a reader over the message content.
func (m *Message) Reader() io.Reader { return bytes.NewReader(m.data) }

func (m *Message) Sender() string { return m.sender }

func (m *Message) Recipients() []string { return append([]string(nil), m.recipients...) }

func (m *Message) Received() time.Time { return m.received }

// Header parses the RFC 5322 header block of the message.
func (m *Message) Header() (gomail.Header, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(m.data)))
	if err != nil {
		return gomail.Header{}, err
	}
	return gomail.Header{Header: gomessage.Header{Header: h}}, nil
}

// Top returns the header block, the separating blank line and at most n lines
// of the body. A message without a body is returned whole.
func (m *Message) Top(n int) []byte {
	end, sepLen := headerEnd(m.data)
	if end == -1 {
		return bytes.Clone(m.data)
	}
	split := end + sepLen
	out := bytes.Clone(m.data[:split])
	body := m.data[split:]
	for i := 0; i < n && len(body) > 0; i++ {
		nl := bytes.IndexByte(body, '\n')
		if nl == -1 {
			out = append(out, body...)
			break
		}
		out = append(out, body[:nl+1]...)
		body = body[nl+1:]
	}
	return out
}

func headerEnd(data []byte) (int, int) {
	if bytes.HasPrefix(data, []byte("\r\n")) {
		return 0, 2
	}
	if bytes.HasPrefix(data, []byte("\n")) {
		return 0, 1
	}
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx != -1 {
		return idx, 4
	}
	if idx := bytes.Index(data, []byte("\n\n")); idx != -1 {
		return idx, 2
	}
	return -1, 0
}
