// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package address normalizes account names so that the mailbox store, the
// credential registry and both protocol engines agree on a single key.
package address

import (
	"errors"
	"strings"

	"golang.org/x/net/idna"
)

// ErrEmpty is returned for blank account names.
var ErrEmpty = errors.New("empty account name")

var profile = idna.New(idna.MapForLookup(), idna.Transitional(false))

// Normalize returns the canonical form of an account name. Surrounding
// whitespace and angle brackets are removed, the local part is lower-cased
// and the domain, if any, is converted to its ASCII (punycode) form.
func Normalize(account string) (string, error) {
	account = strings.TrimSpace(account)
	account = strings.TrimSuffix(strings.TrimPrefix(account, "<"), ">")
	if account == "" {
		return "", ErrEmpty
	}

	idx := strings.LastIndexByte(account, '@')
	if idx == -1 {
		return strings.ToLower(account), nil
	}

	local, domain := account[:idx], account[idx+1:]
	if local == "" || domain == "" {
		return "", errors.New("malformed address " + account)
	}
	ascii, err := profile.ToASCII(domain)
	if err != nil {
		return "", err
	}
	return strings.ToLower(local) + "@" + strings.ToLower(ascii), nil
}

// Domain returns the part of the address after the last '@', or the empty
// string if there is none.
func Domain(addr string) string {
	idx := strings.LastIndexByte(addr, '@')
	if idx == -1 {
		return ""
	}
	return addr[idx+1:]
}
