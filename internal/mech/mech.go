// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

// Package mech runs SASL exchanges against the credential registry. The
// protocol engines supply a Conversation that frames challenges for their wire
// format; everything else is shared.
package mech

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"src.bluestatic.org/mailmock/auth"
)

const (
	Plain     = sasl.Plain
	Login     = "LOGIN"
	CRAMMD5   = "CRAM-MD5"
	DigestMD5 = "DIGEST-MD5"
	XOAuth2   = "XOAUTH2"
)

// Supported lists every mechanism this package implements, in the order they
// are advertised by default.
var Supported = []string{Plain, Login, CRAMMD5, DigestMD5, XOAuth2}

var (
	// ErrCancelled is returned when the client aborts the exchange with "*".
	ErrCancelled = errors.New("authentication cancelled")
	// ErrMalformed is returned for responses that are not valid base64 or do
	// not follow the mechanism's syntax.
	ErrMalformed = errors.New("malformed authentication response")
	// ErrUnsupported is returned for unknown mechanism names.
	ErrUnsupported = errors.New("unsupported authentication mechanism")
)

// Validate checks that every name is a supported mechanism and returns the
// names upper-cased.
func Validate(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToUpper(strings.TrimSpace(name))
		if !IsSupported(name) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, name)
		}
		out = append(out, name)
	}
	return out, nil
}

func IsSupported(name string) bool {
	for _, m := range Supported {
		if m == name {
			return true
		}
	}
	return false
}

// Conversation carries one challenge to the client and returns its decoded
// response.
type Conversation interface {
	Challenge(challenge []byte) ([]byte, error)
}

// Decode parses a base64 SASL response line as sent by a client. "*" cancels
// the exchange and "=" is the empty response.
func Decode(line string) ([]byte, error) {
	line = strings.TrimSpace(line)
	switch line {
	case "*":
		return nil, ErrCancelled
	case "=":
		return []byte{}, nil
	}
	b, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, ErrMalformed
	}
	return b, nil
}

// Encode formats a challenge for the wire.
func Encode(challenge []byte) string {
	return base64.StdEncoding.EncodeToString(challenge)
}

// Authenticator runs SASL exchanges for one server.
type Authenticator struct {
	Registry *auth.Registry
	Hostname string
	Clock    func() time.Time
}

// Authenticate runs the named mechanism to completion. initial is the
// optional initial response; nil means none was sent. On success the
// authenticated account name is returned. Rejected credentials are reported as
// auth.ErrAuthFailed.
func (a *Authenticator) Authenticate(name string, initial []byte, conv Conversation) (string, error) {
	var account string
	check := func(username, password string) error {
		account = username
		return a.Registry.Check(username, password)
	}

	var server sasl.Server
	switch strings.ToUpper(name) {
	case Plain:
		server = sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				account = username
				return auth.ErrAuthFailed
			}
			return check(username, password)
		})
	case Login:
		server = &loginServer{authenticate: check}
	case CRAMMD5:
		challenge := a.cramChallenge()
		server = &cramMD5Server{
			challenge: challenge,
			verify: func(username string, digest []byte) error {
				account = username
				return cramVerify(a.Registry, username, challenge, digest)
			},
		}
	case DigestMD5:
		server = &digestMD5Server{
			realm: a.host(),
			nonce: newNonce(16),
			verify: func(d *DigestResponse) (string, error) {
				account = d.Username
				return digestVerify(a.Registry, d)
			},
		}
	case XOAuth2:
		server = &xoauth2Server{authenticate: check}
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, name)
	}

	response := initial
	for {
		challenge, done, err := server.Next(response)
		if err != nil {
			if errors.Is(err, auth.ErrAuthFailed) {
				return account, err
			}
			return account, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if done {
			return account, nil
		}
		response, err = conv.Challenge(challenge)
		if err != nil {
			return account, err
		}
	}
}

func (a *Authenticator) cramChallenge() []byte {
	now := time.Now
	if a.Clock != nil {
		now = a.Clock
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1<<31))
	if err != nil {
		n = big.NewInt(0)
	}
	return []byte(fmt.Sprintf("<%d.%d@%s>", n.Int64(), now().UnixNano(), a.host()))
}

func (a *Authenticator) host() string {
	if a.Hostname == "" {
		return "localhost"
	}
	return a.Hostname
}

// CRAMDigest computes the CRAM-MD5 response digest, in lower-case hex, for
// challenge and secret.
func CRAMDigest(challenge []byte, secret string) string {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(challenge)
	return hex.EncodeToString(mac.Sum(nil))
}

// APOPDigest computes the APOP digest, in lower-case hex, for the greeting
// timestamp and secret.
func APOPDigest(timestamp, secret string) string {
	sum := md5.Sum([]byte(timestamp + secret))
	return hex.EncodeToString(sum[:])
}

// VerifyAPOP runs an authentication attempt for an APOP command.
func VerifyAPOP(r *auth.Registry, username, timestamp, digest string) auth.Outcome {
	digest = strings.ToLower(digest)
	return r.Verify(username, func(secret string) bool {
		return hmac.Equal([]byte(APOPDigest(timestamp, secret)), []byte(digest))
	}, "")
}
