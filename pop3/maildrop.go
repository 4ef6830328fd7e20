// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package pop3

import (
	"bytes"
	"errors"
	"io"

	"src.bluestatic.org/mailmock/internal/metrics"
	"src.bluestatic.org/mailmock/store"
)

type message struct {
	stored  *store.Message
	id      int
	deleted bool
}

func (m *message) UniqueID() string { return m.stored.ID() }
func (m *message) ID() int          { return m.id }
func (m *message) Size() int        { return m.stored.Size() }
func (m *message) Deleted() bool    { return m.deleted }

// maildrop is the session-local snapshot of an account taken at login.
// Messages delivered later are not visible until the next session.
type maildrop struct {
	account  string
	store    *store.Store
	metrics  metrics.Collector
	messages []*message
}

func openMaildrop(st *store.Store, account string, mc metrics.Collector) *maildrop {
	snap := st.Snapshot(account)
	mb := &maildrop{
		account:  account,
		store:    st,
		metrics:  metrics.Or(mc),
		messages: make([]*message, len(snap)),
	}
	for i, sm := range snap {
		mb.messages[i] = &message{stored: sm, id: i + 1}
	}
	return mb
}

func (mb *maildrop) ListMessages() ([]Message, error) {
	msgs := make([]Message, len(mb.messages))
	for i, msg := range mb.messages {
		msgs[i] = msg
	}
	return msgs, nil
}

func (mb *maildrop) GetMessage(id int) Message {
	if id < 1 || id > len(mb.messages) {
		return nil
	}
	return mb.messages[id-1]
}

func (mb *maildrop) get(msg Message) (*message, error) {
	m, ok := msg.(*message)
	if !ok || mb.GetMessage(m.id) != Message(m) {
		return nil, errors.New("message not in this maildrop")
	}
	return m, nil
}

func (mb *maildrop) Retrieve(msg Message) (io.ReadCloser, error) {
	m, err := mb.get(msg)
	if err != nil {
		return nil, err
	}
	mb.metrics.MessageRetrieved(m.Size())
	return io.NopCloser(m.stored.Reader()), nil
}

func (mb *maildrop) Top(msg Message, lines int) (io.ReadCloser, error) {
	m, err := mb.get(msg)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(m.stored.Top(lines))), nil
}

func (mb *maildrop) Delete(msg Message) error {
	m, err := mb.get(msg)
	if err != nil {
		return err
	}
	if m.deleted {
		return errors.New("message already deleted")
	}
	m.deleted = true
	return nil
}

// Close removes the messages marked deleted from the store. Messages that
// another session already removed are skipped.
func (mb *maildrop) Close() error {
	var ids []string
	for _, msg := range mb.messages {
		if msg.deleted {
			ids = append(ids, msg.UniqueID())
		}
	}
	n := mb.store.Purge(mb.account, ids...)
	mb.metrics.MessagesPurged(n)
	return nil
}

func (mb *maildrop) Reset() {
	for _, msg := range mb.messages {
		msg.deleted = false
	}
}
