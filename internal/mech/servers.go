// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package mech

import (
	"bytes"
	"crypto/hmac"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"src.bluestatic.org/mailmock/auth"
)

type loginStep int

const (
	loginStart loginStep = iota
	loginUsername
	loginPassword
	loginDone
)

// loginServer implements the LOGIN mechanism, which prompts for the username
// and password in turn.
type loginServer struct {
	step         loginStep
	username     string
	authenticate func(username, password string) error
}

func (s *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch s.step {
	case loginStart:
		if response == nil {
			s.step = loginUsername
			return []byte("Username:"), false, nil
		}
		s.username = string(response)
		s.step = loginPassword
		return []byte("Password:"), false, nil
	case loginUsername:
		s.username = string(response)
		s.step = loginPassword
		return []byte("Password:"), false, nil
	case loginPassword:
		s.step = loginDone
		return nil, true, s.authenticate(s.username, string(response))
	}
	return nil, false, sasl.ErrUnexpectedClientResponse
}

// cramMD5Server implements CRAM-MD5 (RFC 2195). The client answers the
// challenge with "username hex(hmac-md5(secret, challenge))".
type cramMD5Server struct {
	challenge []byte
	sent      bool
	done      bool
	verify    func(username string, digest []byte) error
}

func (s *cramMD5Server) Next(response []byte) (challenge []byte, done bool, err error) {
	if s.done {
		return nil, false, sasl.ErrUnexpectedClientResponse
	}
	if !s.sent {
		if len(response) != 0 {
			return nil, false, errors.New("CRAM-MD5 does not take an initial response")
		}
		s.sent = true
		return s.challenge, false, nil
	}

	s.done = true
	idx := bytes.LastIndexByte(response, ' ')
	if idx <= 0 {
		return nil, false, errors.New("CRAM-MD5 response must be \"user digest\"")
	}
	return nil, true, s.verify(string(response[:idx]), bytes.ToLower(response[idx+1:]))
}

func cramVerify(r *auth.Registry, username string, challenge, digest []byte) error {
	if r.Verify(username, func(secret string) bool {
		return hmac.Equal([]byte(CRAMDigest(challenge, secret)), digest)
	}, "") != auth.Success {
		return auth.ErrAuthFailed
	}
	return nil
}

// xoauth2Server implements XOAUTH2. The single response carries
// "user=NAME\x01auth=Bearer TOKEN\x01\x01" and the token is checked as the
// account's secret.
type xoauth2Server struct {
	sent         bool
	done         bool
	authenticate func(username, token string) error
}

func (s *xoauth2Server) Next(response []byte) (challenge []byte, done bool, err error) {
	if s.done {
		return nil, false, sasl.ErrUnexpectedClientResponse
	}
	if response == nil && !s.sent {
		s.sent = true
		return []byte{}, false, nil
	}

	s.done = true
	username, token, err := parseXOAuth2(response)
	if err != nil {
		return nil, false, err
	}
	return nil, true, s.authenticate(username, token)
}

func parseXOAuth2(response []byte) (username, token string, err error) {
	for _, field := range strings.Split(string(response), "\x01") {
		key, value, _ := strings.Cut(field, "=")
		switch key {
		case "user":
			username = value
		case "auth":
			scheme, t, ok := strings.Cut(value, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				return "", "", errors.New("XOAUTH2 auth must be a bearer token")
			}
			token = strings.TrimSpace(t)
		}
	}
	if username == "" || token == "" {
		return "", "", errors.New("XOAUTH2 response needs user and auth")
	}
	return username, token, nil
}

type digestStep int

const (
	digestStart digestStep = iota
	digestChallenged
	digestVerified
	digestDone
)

// digestMD5Server implements DIGEST-MD5 (RFC 2831) with qop=auth only. After a
// valid response the server sends rspauth and waits for an empty reply.
type digestMD5Server struct {
	step   digestStep
	realm  string
	nonce  string
	verify func(d *DigestResponse) (rspauth string, err error)
}

func (s *digestMD5Server) Next(response []byte) (challenge []byte, done bool, err error) {
	switch s.step {
	case digestStart:
		if len(response) != 0 {
			return nil, false, errors.New("DIGEST-MD5 does not take an initial response")
		}
		s.step = digestChallenged
		return []byte(fmt.Sprintf(`realm="%s",nonce="%s",qop="auth",charset=utf-8,algorithm=md5-sess`,
			s.realm, s.nonce)), false, nil
	case digestChallenged:
		s.step = digestDone
		d, err := parseDigestResponse(response)
		if err != nil {
			return nil, false, err
		}
		if d.Realm == "" {
			d.Realm = s.realm
		}
		if d.Realm != s.realm || d.Nonce != s.nonce {
			return nil, false, errors.New("DIGEST-MD5 realm or nonce mismatch")
		}
		if d.NC != "00000001" {
			return nil, false, errors.New("DIGEST-MD5 nonce count must be 00000001")
		}
		rspauth, err := s.verify(d)
		if err != nil {
			return nil, false, err
		}
		s.step = digestVerified
		return []byte("rspauth=" + rspauth), false, nil
	case digestVerified:
		s.step = digestDone
		return nil, true, nil
	}
	return nil, false, sasl.ErrUnexpectedClientResponse
}

func parseDigestResponse(response []byte) (*DigestResponse, error) {
	fields, err := parseDirectives(string(response))
	if err != nil {
		return nil, err
	}
	d := &DigestResponse{
		Username:  fields["username"],
		Realm:     fields["realm"],
		Nonce:     fields["nonce"],
		CNonce:    fields["cnonce"],
		NC:        fields["nc"],
		QOP:       fields["qop"],
		DigestURI: fields["digest-uri"],
		AuthzID:   fields["authzid"],
		Response:  strings.ToLower(fields["response"]),
	}
	if d.QOP == "" {
		d.QOP = "auth"
	}
	switch {
	case d.Username == "", d.Nonce == "", d.CNonce == "", d.Response == "":
		return nil, errors.New("DIGEST-MD5 response is missing a directive")
	case d.QOP != "auth":
		return nil, fmt.Errorf("DIGEST-MD5 qop %q is not supported", d.QOP)
	}
	return d, nil
}

// parseDirectives splits a DIGEST-MD5 "key=value,key="quoted value"" list.
func parseDirectives(s string) (map[string]string, error) {
	out := make(map[string]string)
	for s = strings.TrimSpace(s); s != ""; {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("DIGEST-MD5 directive without value: %q", s)
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = strings.TrimSpace(s[eq+1:])

		var value string
		if strings.HasPrefix(s, `"`) {
			var b strings.Builder
			i := 1
			for ; i < len(s) && s[i] != '"'; i++ {
				if s[i] == '\\' && i+1 < len(s) {
					i++
				}
				b.WriteByte(s[i])
			}
			if i >= len(s) {
				return nil, errors.New("DIGEST-MD5 unterminated quoted string")
			}
			value, s = b.String(), s[i+1:]
		} else {
			end := strings.IndexByte(s, ',')
			if end < 0 {
				end = len(s)
			}
			value, s = strings.TrimSpace(s[:end]), s[end:]
		}
		out[key] = value

		s = strings.TrimSpace(s)
		if s != "" {
			if s[0] != ',' {
				return nil, fmt.Errorf("DIGEST-MD5 expected ',' before %q", s)
			}
			s = strings.TrimSpace(s[1:])
		}
	}
	return out, nil
}
