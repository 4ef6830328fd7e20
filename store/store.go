// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package store holds the messages delivered to each account. Every mailbox
// carries its own lock, so work on one account never waits on another.
package store

import (
	"sort"
	"sync"

	"src.bluestatic.org/mailmock/internal/address"
)

// ErrInvalidAccount is returned when an account name cannot be normalized.
var ErrInvalidAccount = address.ErrEmpty

type mailbox struct {
	mu       sync.Mutex
	messages []*Message
	ids      map[string]struct{}
	// removed is set once the mailbox has been dropped from the store. A
	// writer holding a stale pointer must look the account up again.
	removed bool
}

// Store maps normalized account names to mailboxes.
type Store struct {
	mailboxes sync.Map // string -> *mailbox
}

func New() *Store {
	return &Store{}
}

// NormalizeAccount returns the key under which account is stored.
func NormalizeAccount(account string) (string, error) {
	return address.Normalize(account)
}

func (s *Store) load(account string, create bool) (*mailbox, bool) {
	if create {
		mb, _ := s.mailboxes.LoadOrStore(account, &mailbox{})
		return mb.(*mailbox), true
	}
	mb, ok := s.mailboxes.Load(account)
	if !ok {
		return nil, false
	}
	return mb.(*mailbox), true
}

// Create makes an empty mailbox for account if none exists.
func (s *Store) Create(account string) error {
	key, err := address.Normalize(account)
	if err != nil {
		return err
	}
	s.load(key, true)
	return nil
}

// Append adds msg to the end of the account's mailbox, creating the mailbox if
// needed. IDs are unique within a mailbox: if the mailbox already holds a
// message with msg's ID, a copy under a fresh ID is stored instead.
func (s *Store) Append(account string, msg *Message) error {
	key, err := address.Normalize(account)
	if err != nil {
		return err
	}
	for {
		mb, _ := s.load(key, true)
		mb.mu.Lock()
		if mb.removed {
			mb.mu.Unlock()
			continue
		}
		err := mb.add(msg)
		mb.mu.Unlock()
		return err
	}
}

func (mb *mailbox) add(msg *Message) error {
	if mb.ids == nil {
		mb.ids = make(map[string]struct{})
	}
	for {
		if _, dup := mb.ids[msg.ID()]; !dup {
			break
		}
		id, err := NewID(msg.Received())
		if err != nil {
			return err
		}
		msg = msg.withID(id)
	}
	mb.ids[msg.ID()] = struct{}{}
	mb.messages = append(mb.messages, msg)
	return nil
}

// Snapshot returns the messages currently in the account's mailbox, in
// delivery order. The returned slice is owned by the caller.
func (s *Store) Snapshot(account string) []*Message {
	key, err := address.Normalize(account)
	if err != nil {
		return nil
	}
	mb, ok := s.load(key, false)
	if !ok {
		return nil
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]*Message(nil), mb.messages...)
}

// Len returns the number of messages in the account's mailbox.
func (s *Store) Len(account string) int {
	key, err := address.Normalize(account)
	if err != nil {
		return 0
	}
	mb, ok := s.load(key, false)
	if !ok {
		return 0
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.messages)
}

// Purge removes the messages with the given IDs from the account's mailbox and
// reports how many were removed. IDs that are no longer present are ignored.
func (s *Store) Purge(account string, ids ...string) int {
	if len(ids) == 0 {
		return 0
	}
	key, err := address.Normalize(account)
	if err != nil {
		return 0
	}
	mb, ok := s.load(key, false)
	if !ok {
		return 0
	}

	doomed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		doomed[id] = struct{}{}
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	kept := mb.messages[:0]
	for _, msg := range mb.messages {
		if _, ok := doomed[msg.ID()]; ok {
			delete(mb.ids, msg.ID())
			continue
		}
		kept = append(kept, msg)
	}
	removed := len(mb.messages) - len(kept)
	for i := len(kept); i < len(mb.messages); i++ {
		mb.messages[i] = nil
	}
	mb.messages = kept
	return removed
}

// Exists reports whether a mailbox has been created for account.
func (s *Store) Exists(account string) bool {
	key, err := address.Normalize(account)
	if err != nil {
		return false
	}
	_, ok := s.load(key, false)
	return ok
}

// Accounts lists the normalized names of all mailboxes, sorted.
func (s *Store) Accounts() []string {
	var accounts []string
	s.mailboxes.Range(func(k, _ any) bool {
		accounts = append(accounts, k.(string))
		return true
	})
	sort.Strings(accounts)
	return accounts
}

// Remove drops the account's mailbox and all of its messages.
func (s *Store) Remove(account string) {
	key, err := address.Normalize(account)
	if err != nil {
		return
	}
	if mb, ok := s.mailboxes.LoadAndDelete(key); ok {
		mb := mb.(*mailbox)
		mb.mu.Lock()
		mb.removed = true
		mb.messages = nil
		mb.ids = nil
		mb.mu.Unlock()
	}
}

// Clear drops every mailbox.
func (s *Store) Clear() {
	s.mailboxes.Range(func(k, _ any) bool {
		s.Remove(k.(string))
		return true
	})
}
