// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package auth

import "fmt"

// Kind selects how an account answers authentication attempts.
type Kind int

const (
	// KindNormal succeeds exactly when the presented secret matches.
	KindNormal Kind = iota
	// KindSucceed accepts any secret.
	KindSucceed
	// KindAlwaysFail rejects every attempt.
	KindAlwaysFail
	// KindFailAfterN rejects the first N attempts, then behaves like KindNormal.
	KindFailAfterN
	// KindScripted defers to a ScriptFunc.
	KindScripted
)

func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindSucceed:
		return "succeed"
	case KindAlwaysFail:
		return "always-fail"
	case KindFailAfterN:
		return "fail-after-n"
	case KindScripted:
		return "scripted"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ScriptFunc decides the outcome of an attempt. attempt counts from 1 and
// matched reports whether the presented secret was correct. It must not retain
// state of its own; the registry tracks attempts.
type ScriptFunc func(attempt int, matched bool) bool

// Behavior is the scripted outcome policy of a registered account.
type Behavior struct {
	Kind   Kind
	N      int
	Script ScriptFunc
}

var (
	Normal        = Behavior{Kind: KindNormal}
	AlwaysSucceed = Behavior{Kind: KindSucceed}
	AlwaysFail    = Behavior{Kind: KindAlwaysFail}
)

// FailAfter rejects the first n attempts regardless of the secret.
func FailAfter(n int) Behavior {
	return Behavior{Kind: KindFailAfterN, N: n}
}

// Scripted wraps fn as a Behavior.
func Scripted(fn ScriptFunc) Behavior {
	return Behavior{Kind: KindScripted, Script: fn}
}

// ParseBehavior maps a configuration name onto a Behavior. n is only used by
// "fail-after-n".
func ParseBehavior(name string, n int) (Behavior, error) {
	switch name {
	case "", "normal":
		return Normal, nil
	case "succeed", "always-succeed":
		return AlwaysSucceed, nil
	case "fail", "always-fail":
		return AlwaysFail, nil
	case "fail-after-n", "fail-after":
		return FailAfter(n), nil
	}
	return Behavior{}, fmt.Errorf("%w: unknown behavior %q", ErrInvalidBehavior, name)
}

func (b Behavior) validate() error {
	switch b.Kind {
	case KindNormal, KindSucceed, KindAlwaysFail:
		return nil
	case KindFailAfterN:
		if b.N < 0 {
			return fmt.Errorf("%w: negative failure count %d", ErrInvalidBehavior, b.N)
		}
		return nil
	case KindScripted:
		if b.Script == nil {
			return fmt.Errorf("%w: scripted behavior without a script", ErrInvalidBehavior)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidBehavior, b.Kind)
}

func (b Behavior) decide(attempt int, matched bool) bool {
	switch b.Kind {
	case KindNormal:
		return matched
	case KindSucceed:
		return true
	case KindFailAfterN:
		return attempt > b.N && matched
	case KindScripted:
		return b.Script(attempt, matched)
	}
	return false
}
