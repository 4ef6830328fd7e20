// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package auth is the credential registry consulted by both protocol engines.
// Each account carries a scripted Behavior and an attempt counter that is
// shared by every connection authenticating as that account.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"src.bluestatic.org/mailmock/internal/address"
)

var (
	// ErrAuthFailed is returned by Check when an attempt is rejected.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrInvalidAccount is returned when registering an unusable account name.
	ErrInvalidAccount = errors.New("invalid account")
	// ErrInvalidBehavior is returned when registering an unusable Behavior.
	ErrInvalidBehavior = errors.New("invalid behavior")
)

// Outcome is the result of an authentication attempt.
type Outcome int

const (
	Failure Outcome = iota
	Success
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

type entry struct {
	mu       sync.Mutex
	secret   string
	hash     []byte
	behavior Behavior
	attempts int
}

// Registry maps normalized account names to credentials. An account may also
// own mail addresses that differ from its name, such as "alice" receiving mail
// for "alice@example.com".
type Registry struct {
	entries   sync.Map // string -> *entry
	addresses sync.Map // address -> account
}

func NewRegistry() *Registry {
	return &Registry{}
}

func normalize(account string) (string, error) {
	key, err := address.Normalize(account)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidAccount, account, err)
	}
	return key, nil
}

// Register adds or replaces an account with a plaintext secret. Replacing an
// account resets its attempt counter.
func (r *Registry) Register(account, secret string, b Behavior) error {
	key, err := normalize(account)
	if err != nil {
		return err
	}
	if err := b.validate(); err != nil {
		return err
	}
	r.entries.Store(key, &entry{secret: secret, behavior: b})
	return nil
}

// RegisterHashed adds or replaces an account whose secret is stored as a
// bcrypt hash. Challenge-response mechanisms need the plaintext secret and
// always fail for such accounts.
func (r *Registry) RegisterHashed(account string, hash []byte, b Behavior) error {
	key, err := normalize(account)
	if err != nil {
		return err
	}
	if _, err := bcrypt.Cost(hash); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidAccount, account, err)
	}
	if err := b.validate(); err != nil {
		return err
	}
	r.entries.Store(key, &entry{hash: append([]byte(nil), hash...), behavior: b})
	return nil
}

// AddAddress routes mail for addr to account, which must be registered.
func (r *Registry) AddAddress(account, addr string) error {
	key, err := normalize(account)
	if err != nil {
		return err
	}
	if _, ok := r.entries.Load(key); !ok {
		return fmt.Errorf("%w %q: not registered", ErrInvalidAccount, account)
	}
	a, err := address.Normalize(addr)
	if err != nil {
		return fmt.Errorf("%w: address %q: %v", ErrInvalidAccount, addr, err)
	}
	r.addresses.Store(a, key)
	return nil
}

// Resolve returns the account that owns addr through AddAddress.
func (r *Registry) Resolve(addr string) (string, bool) {
	key, err := address.Normalize(addr)
	if err != nil {
		return "", false
	}
	account, ok := r.addresses.Load(key)
	if !ok {
		return "", false
	}
	return account.(string), true
}

// Addresses lists the addresses routed to account, sorted.
func (r *Registry) Addresses(account string) []string {
	key, err := address.Normalize(account)
	if err != nil {
		return nil
	}
	var addrs []string
	r.addresses.Range(func(k, v any) bool {
		if v.(string) == key {
			addrs = append(addrs, k.(string))
		}
		return true
	})
	sort.Strings(addrs)
	return addrs
}

func (r *Registry) lookup(account string) *entry {
	key, err := address.Normalize(account)
	if err != nil {
		return nil
	}
	e, ok := r.entries.Load(key)
	if !ok {
		return nil
	}
	return e.(*entry)
}

// Authenticate checks a plaintext secret for account. Unknown accounts always
// fail and do not count attempts.
func (r *Registry) Authenticate(account, secret string) Outcome {
	return r.Verify(account, func(stored string) bool {
		return subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) == 1
	}, secret)
}

// Verify runs an attempt for account where the secret check is performed by
// match against the stored plaintext secret. plain, if non-empty, is used to
// check accounts registered with a hash.
func (r *Registry) Verify(account string, match func(secret string) bool, plain string) Outcome {
	e := r.lookup(account)
	if e == nil {
		return Failure
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts++

	var matched bool
	if e.hash != nil {
		matched = plain != "" && bcrypt.CompareHashAndPassword(e.hash, []byte(plain)) == nil
	} else {
		matched = match(e.secret)
	}
	if e.behavior.decide(e.attempts, matched) {
		return Success
	}
	return Failure
}

// Check is Authenticate returning ErrAuthFailed on failure, in the shape of a
// SASL authenticator.
func (r *Registry) Check(account, secret string) error {
	if r.Authenticate(account, secret) != Success {
		return ErrAuthFailed
	}
	return nil
}

// Attempts returns the number of attempts made against account since it was
// registered or last reset.
func (r *Registry) Attempts(account string) int {
	e := r.lookup(account)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

// Exists reports whether account is registered.
func (r *Registry) Exists(account string) bool {
	return r.lookup(account) != nil
}

// Reset zeroes the attempt counter of account.
func (r *Registry) Reset(account string) {
	if e := r.lookup(account); e != nil {
		e.mu.Lock()
		e.attempts = 0
		e.mu.Unlock()
	}
}

// ResetAll zeroes every attempt counter.
func (r *Registry) ResetAll() {
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		e.attempts = 0
		e.mu.Unlock()
		return true
	})
}

// Unregister removes account and the addresses routed to it.
func (r *Registry) Unregister(account string) {
	key, err := address.Normalize(account)
	if err != nil {
		return
	}
	r.entries.Delete(key)
	r.addresses.Range(func(k, v any) bool {
		if v.(string) == key {
			r.addresses.Delete(k)
		}
		return true
	})
}

// Clear removes every account and address.
func (r *Registry) Clear() {
	r.entries.Range(func(k, _ any) bool {
		r.entries.Delete(k)
		return true
	})
	r.addresses.Range(func(k, _ any) bool {
		r.addresses.Delete(k)
		return true
	})
}

// Accounts lists registered accounts, sorted.
func (r *Registry) Accounts() []string {
	var accounts []string
	r.entries.Range(func(k, _ any) bool {
		accounts = append(accounts, k.(string))
		return true
	})
	sort.Strings(accounts)
	return accounts
}
