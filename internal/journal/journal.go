// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package journal keeps a record of finished protocol sessions so tests can
// inspect what a client did after the fact.
package journal

import (
	"sync"
	"time"
)

// Transaction is one message accepted during an SMTP session.
type Transaction struct {
	MessageID string
	From      string
	To        []string
	Size      int
}

// Record describes one finished session.
type Record struct {
	ID         string
	Protocol   string
	RemoteAddr string
	Account    string
	Secure     bool
	Started    time.Time
	Ended      time.Time

	// Commands are the command lines received, in order. SASL continuation
	// lines are not included.
	Commands     []string
	Transactions []Transaction
}

// Journal is a concurrency-safe list of Records. A nil *Journal discards
// everything added to it.
type Journal struct {
	mu      sync.Mutex
	records []Record
}

func New() *Journal {
	return &Journal{}
}

func (j *Journal) Add(r Record) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
}

// Records returns the sessions recorded so far, oldest first.
func (j *Journal) Records() []Record {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Record(nil), j.records...)
}

// Find returns the records for protocol, oldest first.
func (j *Journal) Find(protocol string) []Record {
	var out []Record
	for _, r := range j.Records() {
		if r.Protocol == protocol {
			out = append(out, r)
		}
	}
	return out
}

func (j *Journal) Clear() {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = nil
}
