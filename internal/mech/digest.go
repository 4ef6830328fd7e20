// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package mech

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"

	"src.bluestatic.org/mailmock/auth"
)

// DigestResponse holds the directives of a DIGEST-MD5 client response.
type DigestResponse struct {
	Username  string
	Realm     string
	Nonce     string
	CNonce    string
	NC        string
	QOP       string
	DigestURI string
	AuthzID   string
	Response  string
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Compute returns the md5-sess response value for secret. With rspauth set it
// computes the server's rspauth value instead of the client's response.
func (d *DigestResponse) Compute(secret string, rspauth bool) string {
	h := md5.Sum([]byte(d.Username + ":" + d.Realm + ":" + secret))
	a1 := string(h[:]) + ":" + d.Nonce + ":" + d.CNonce
	if d.AuthzID != "" {
		a1 += ":" + d.AuthzID
	}
	a2 := ":" + d.DigestURI
	if !rspauth {
		a2 = "AUTHENTICATE" + a2
	}
	return md5hex(strings.Join([]string{md5hex(a1), d.Nonce, d.NC, d.CNonce, d.QOP, md5hex(a2)}, ":"))
}

// String formats d as a client response line.
func (d *DigestResponse) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, `username="%s",realm="%s",nonce="%s",cnonce="%s",nc=%s,qop=%s,digest-uri="%s",response=%s`,
		d.Username, d.Realm, d.Nonce, d.CNonce, d.NC, d.QOP, d.DigestURI, d.Response)
	if d.AuthzID != "" {
		fmt.Fprintf(&b, `,authzid="%s"`, d.AuthzID)
	}
	return b.String()
}

const nonceAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// newNonce returns n random alphanumeric characters.
func newNonce(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	for i := range b {
		b[i] = nonceAlphabet[int(b[i])%len(nonceAlphabet)]
	}
	return string(b)
}

func digestVerify(r *auth.Registry, d *DigestResponse) (string, error) {
	var rspauth string
	if r.Verify(d.Username, func(secret string) bool {
		if !hmac.Equal([]byte(d.Compute(secret, false)), []byte(d.Response)) {
			return false
		}
		rspauth = d.Compute(secret, true)
		return true
	}, "") != auth.Success {
		return "", auth.ErrAuthFailed
	}
	if rspauth == "" {
		// A behavior accepted a response that did not match.
		rspauth = strings.Repeat("0", md5.Size*2)
	}
	return rspauth, nil
}

// NewDigestMD5Client returns a DIGEST-MD5 client for username and secret.
// service names the digest-uri service, such as "smtp" or "pop".
func NewDigestMD5Client(username, secret, service string) sasl.Client {
	return &digestMD5Client{username: username, secret: secret, service: service}
}

type digestMD5Client struct {
	username, secret, service string
	rspauth                   string
}

func (c *digestMD5Client) Start() (string, []byte, error) {
	return DigestMD5, nil, nil
}

func (c *digestMD5Client) Next(challenge []byte) ([]byte, error) {
	if c.rspauth != "" {
		fields, err := parseDirectives(string(challenge))
		if err != nil {
			return nil, err
		}
		if fields["rspauth"] != c.rspauth {
			return nil, errors.New("DIGEST-MD5 server rspauth mismatch")
		}
		return []byte{}, nil
	}

	fields, err := parseDirectives(string(challenge))
	if err != nil {
		return nil, err
	}
	d := &DigestResponse{
		Username:  c.username,
		Realm:     fields["realm"],
		Nonce:     fields["nonce"],
		CNonce:    newNonce(16),
		NC:        "00000001",
		QOP:       "auth",
		DigestURI: c.service + "/" + fields["realm"],
	}
	d.Response = d.Compute(c.secret, false)
	c.rspauth = d.Compute(c.secret, true)
	return []byte(d.String()), nil
}

// XOAuth2Response formats the XOAUTH2 initial response for username and tok.
func XOAuth2Response(username string, tok *oauth2.Token) []byte {
	return []byte(fmt.Sprintf("user=%s\x01auth=%s %s\x01\x01", username, tok.Type(), tok.AccessToken))
}

// NewXOAuth2Client returns an XOAUTH2 client that sends a token from src.
func NewXOAuth2Client(username string, src oauth2.TokenSource) sasl.Client {
	return &xoauth2Client{username: username, src: src}
}

type xoauth2Client struct {
	username string
	src      oauth2.TokenSource
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	tok, err := c.src.Token()
	if err != nil {
		return "", nil, err
	}
	return XOAuth2, XOAuth2Response(c.username, tok), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return nil, fmt.Errorf("XOAUTH2 rejected: %s", challenge)
}
