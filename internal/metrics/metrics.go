// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package metrics records server activity. Every method takes the protocol
// ("smtp" or "pop3") that generated the event.
package metrics

// Collector receives server events.
type Collector interface {
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	TLSEstablished(protocol string)

	AuthAttempt(protocol, mechanism string, success bool)
	CommandProcessed(protocol, command string)

	MessageDelivered(sizeBytes int)
	MessageRetrieved(sizeBytes int)
	MessagesPurged(count int)
}

// Or returns c, or a NoopCollector if c is nil.
func Or(c Collector) Collector {
	if c == nil {
		return NoopCollector{}
	}
	return c
}

// NoopCollector discards all events.
type NoopCollector struct{}

func (NoopCollector) ConnectionOpened(string)          {}
func (NoopCollector) ConnectionClosed(string)          {}
func (NoopCollector) TLSEstablished(string)            {}
func (NoopCollector) AuthAttempt(string, string, bool) {}
func (NoopCollector) CommandProcessed(string, string)  {}
func (NoopCollector) MessageDelivered(int)             {}
func (NoopCollector) MessageRetrieved(int)             {}
func (NoopCollector) MessagesPurged(int)               {}
