// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package command is the table-driven grammar shared by the SMTP and POP3
// session engines. A Grammar maps verbs to Descriptors naming the argument
// arity, the session states in which the verb is legal and its handler.
package command

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrEmptyLine      = errors.New("empty command line")
	ErrUnknownCommand = errors.New("unknown command")
	ErrArgumentCount  = errors.New("wrong number of arguments")
	ErrBadSequence    = errors.New("bad sequence of commands")
)

// ParseError describes a line that could not be mapped onto a Descriptor.
type ParseError struct {
	Command string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Command == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// State is a protocol session state. Each protocol defines its own constants.
type State int

// StateSet is a bit set of States.
type StateSet uint64

// States builds a StateSet.
func States(states ...State) StateSet {
	var set StateSet
	for _, s := range states {
		set |= 1 << uint(s)
	}
	return set
}

func (s StateSet) Contains(state State) bool {
	return s&(1<<uint(state)) != 0
}

// Transitions lists, for each state, the states that may follow it. Staying in
// the same state is always permitted.
type Transitions map[State]StateSet

func (t Transitions) Allowed(from, to State) bool {
	return from == to || t[from].Contains(to)
}

// Unbounded is used as MaxArgs for verbs that take any number of arguments.
const Unbounded = -1

// Descriptor defines one verb.
type Descriptor[H any] struct {
	Name    string
	MinArgs int
	MaxArgs int
	States  StateSet
	Handler H
}

// Allowed reports a ParseError wrapping ErrBadSequence when the verb is not
// legal in state.
func (d *Descriptor[H]) Allowed(state State) error {
	if !d.States.Contains(state) {
		return &ParseError{Command: d.Name, Err: ErrBadSequence}
	}
	return nil
}

// Line is a parsed command line.
type Line struct {
	// Name is the verb, upper-cased.
	Name string
	// Args are the arguments, split by the grammar's SplitFunc.
	Args []string
	// Raw is the text following the verb with the separating space removed.
	Raw string
}

func (l Line) String() string {
	if l.Raw == "" {
		return l.Name
	}
	return l.Name + " " + l.Raw
}

// SplitFunc splits the argument text of a line.
type SplitFunc func(string) []string

// Grammar is a set of Descriptors keyed by verb.
type Grammar[H any] struct {
	split  SplitFunc
	byName map[string]*Descriptor[H]
}

// New builds a Grammar. A nil split separates arguments on whitespace.
func New[H any](split SplitFunc, descs ...Descriptor[H]) *Grammar[H] {
	if split == nil {
		split = strings.Fields
	}
	g := &Grammar[H]{
		split:  split,
		byName: make(map[string]*Descriptor[H], len(descs)),
	}
	for i := range descs {
		d := descs[i]
		d.Name = strings.ToUpper(d.Name)
		if _, dup := g.byName[d.Name]; dup {
			panic("command: duplicate verb " + d.Name)
		}
		g.byName[d.Name] = &d
	}
	return g
}

// Lookup finds the Descriptor for a verb, case-insensitively.
func (g *Grammar[H]) Lookup(name string) (*Descriptor[H], bool) {
	d, ok := g.byName[strings.ToUpper(name)]
	return d, ok
}

// Names lists the verbs of the grammar, sorted.
func (g *Grammar[H]) Names() []string {
	names := make([]string, 0, len(g.byName))
	for name := range g.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse splits a line into a verb and arguments and finds its Descriptor. The
// returned Line is populated whenever a verb could be read, even if err is
// non-nil, so callers can report which command was rejected.
func (g *Grammar[H]) Parse(text string) (Line, *Descriptor[H], error) {
	text = strings.TrimLeft(text, " \t")
	if strings.TrimSpace(text) == "" {
		return Line{}, nil, &ParseError{Err: ErrEmptyLine}
	}

	var line Line
	verb, rest, _ := strings.Cut(text, " ")
	line.Name = strings.ToUpper(strings.TrimRight(verb, " \t"))
	line.Raw = strings.TrimRight(rest, "\r\n")
	line.Args = g.split(line.Raw)

	d, ok := g.byName[line.Name]
	if !ok {
		return line, nil, &ParseError{Command: line.Name, Err: ErrUnknownCommand}
	}
	n := len(line.Args)
	if n < d.MinArgs || (d.MaxArgs != Unbounded && n > d.MaxArgs) {
		return line, d, &ParseError{Command: line.Name, Err: ErrArgumentCount}
	}
	return line, d, nil
}
