// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package mailmock

import (
	"errors"
	"fmt"
)

var (
	ErrNoCertificate     = errors.New("TLS mode requires a certificate")
	ErrDuplicatePort     = errors.New("port already used by another protocol")
	ErrInvalidAddress    = errors.New("invalid listen address")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrInvalidValue      = errors.New("invalid value")
	ErrAlreadyStarted    = errors.New("server already started")
	ErrNoProtocols       = errors.New("no protocol enabled")
	ErrUnknownTLSMode    = errors.New("unknown TLS mode")
	ErrUnknownRecipients = errors.New("unknown recipient policy")
)

// ConfigError reports an invalid option or a listener that could not be
// bound. The server does not start when one is returned.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mailmock: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}
