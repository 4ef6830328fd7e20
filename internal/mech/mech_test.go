// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package mech

import (
	"errors"
	"strings"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"src.bluestatic.org/mailmock/auth"
)

// scripted answers challenges from a fixed list and records what it saw.
type scripted struct {
	responses  [][]byte
	challenges [][]byte
	err        error
}

func (s *scripted) Challenge(c []byte) ([]byte, error) {
	s.challenges = append(s.challenges, c)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return nil, errors.New("no more responses")
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

// clientConversation drives a go-sasl client.
type clientConversation struct {
	client sasl.Client
}

func (c *clientConversation) Challenge(challenge []byte) ([]byte, error) {
	return c.client.Next(challenge)
}

func newAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	r := auth.NewRegistry()
	require.NoError(t, r.Register("alice@example.com", "secret", auth.Normal))
	return &Authenticator{Registry: r, Hostname: "mx.test"}
}

func TestPlainWithInitialResponse(t *testing.T) {
	a := newAuthenticator(t)
	client := sasl.NewPlainClient("", "alice@example.com", "secret")
	_, ir, err := client.Start()
	require.NoError(t, err)

	account, err := a.Authenticate("plain", ir, &clientConversation{client})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", account)
}

func TestPlainWithoutInitialResponse(t *testing.T) {
	a := newAuthenticator(t)
	conv := &scripted{responses: [][]byte{[]byte("\x00alice@example.com\x00secret")}}
	account, err := a.Authenticate(Plain, nil, conv)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", account)
	require.Len(t, conv.challenges, 1)
	assert.Empty(t, conv.challenges[0])
}

func TestPlainFailures(t *testing.T) {
	a := newAuthenticator(t)

	_, err := a.Authenticate(Plain, []byte("\x00alice@example.com\x00wrong"), nil)
	assert.ErrorIs(t, err, auth.ErrAuthFailed)

	_, err = a.Authenticate(Plain, []byte("bob\x00alice@example.com\x00secret"), nil)
	assert.ErrorIs(t, err, auth.ErrAuthFailed, "authorization identity must match")

	_, err = a.Authenticate(Plain, []byte("\x00"), nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestLogin(t *testing.T) {
	a := newAuthenticator(t)
	conv := &scripted{responses: [][]byte{[]byte("alice@example.com"), []byte("secret")}}
	account, err := a.Authenticate(Login, nil, conv)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", account)
	require.Len(t, conv.challenges, 2)
	assert.Equal(t, "Username:", string(conv.challenges[0]))
	assert.Equal(t, "Password:", string(conv.challenges[1]))

	conv = &scripted{responses: [][]byte{[]byte("nope")}}
	_, err = a.Authenticate(Login, []byte("alice@example.com"), conv)
	assert.ErrorIs(t, err, auth.ErrAuthFailed)
	assert.Equal(t, []string{"Password:"}, []string{string(conv.challenges[0])})
}

func TestCRAMMD5(t *testing.T) {
	a := newAuthenticator(t)
	conv := &responder{fn: func(challenge []byte) []byte {
		return []byte("alice@example.com " + CRAMDigest(challenge, "secret"))
	}}
	account, err := a.Authenticate(CRAMMD5, nil, conv)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", account)
	assert.True(t, strings.HasSuffix(string(conv.seen), "@mx.test>"), "challenge %q", conv.seen)

	conv = &responder{fn: func(challenge []byte) []byte {
		return []byte("alice@example.com " + CRAMDigest(challenge, "wrong"))
	}}
	_, err = a.Authenticate(CRAMMD5, nil, conv)
	assert.ErrorIs(t, err, auth.ErrAuthFailed)

	conv = &responder{fn: func([]byte) []byte { return []byte("nospace") }}
	_, err = a.Authenticate(CRAMMD5, nil, conv)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = a.Authenticate(CRAMMD5, []byte("early"), nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

type responder struct {
	fn   func([]byte) []byte
	seen []byte
}

func (r *responder) Challenge(c []byte) ([]byte, error) {
	r.seen = c
	return r.fn(c), nil
}

func TestCancelAndUnsupported(t *testing.T) {
	a := newAuthenticator(t)
	_, err := a.Authenticate(Login, nil, &scripted{err: ErrCancelled})
	assert.ErrorIs(t, err, ErrCancelled)

	_, err = a.Authenticate("GSSAPI", nil, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDecode(t *testing.T) {
	b, err := Decode("YWxpY2U=")
	require.NoError(t, err)
	assert.Equal(t, "alice", string(b))

	b, err = Decode("=")
	require.NoError(t, err)
	assert.NotNil(t, b)
	assert.Empty(t, b)

	_, err = Decode("*")
	assert.ErrorIs(t, err, ErrCancelled)
	_, err = Decode("!!!")
	assert.ErrorIs(t, err, ErrMalformed)

	assert.Equal(t, "YWxpY2U=", Encode([]byte("alice")))
}

func TestValidate(t *testing.T) {
	names, err := Validate([]string{"plain", " cram-md5 "})
	require.NoError(t, err)
	assert.Equal(t, []string{Plain, CRAMMD5}, names)

	_, err = Validate([]string{"GSSAPI"})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestAPOP(t *testing.T) {
	// RFC 1939 § 7.
	const timestamp = "<1896.697170952@dbc.mindspring.com>"
	assert.Equal(t, "c4c9334bac560ecc979e58001b3e22fb", APOPDigest(timestamp, "tanstaaf"))

	r := auth.NewRegistry()
	require.NoError(t, r.Register("mrose", "tanstaaf", auth.Normal))
	assert.Equal(t, auth.Success, VerifyAPOP(r, "mrose", timestamp, "C4C9334BAC560ECC979E58001B3E22FB"))
	assert.Equal(t, auth.Failure, VerifyAPOP(r, "mrose", timestamp, "00000000000000000000000000000000"))
}

func TestCRAMDigest(t *testing.T) {
	// RFC 2195 § 2.
	challenge := []byte("<1896.697170952@postoffice.reston.mci.net>")
	assert.Equal(t, "b913a602c7eda7a495b4e6e7334d3890", CRAMDigest(challenge, "tanstaaftanstaaf"))
}

func TestXOAuth2(t *testing.T) {
	a := newAuthenticator(t)
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "secret"})
	client := NewXOAuth2Client("alice@example.com", src)
	name, ir, err := client.Start()
	require.NoError(t, err)
	assert.Equal(t, XOAuth2, name)
	assert.Equal(t, "user=alice@example.com\x01auth=Bearer secret\x01\x01", string(ir))

	account, err := a.Authenticate(name, ir, &clientConversation{client})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", account)

	// Without an initial response the server sends an empty challenge first.
	conv := &scripted{responses: [][]byte{ir}}
	_, err = a.Authenticate("xoauth2", nil, conv)
	require.NoError(t, err)
	require.Len(t, conv.challenges, 1)
	assert.Empty(t, conv.challenges[0])

	bad := XOAuth2Response("alice@example.com", &oauth2.Token{AccessToken: "expired"})
	_, err = a.Authenticate(XOAuth2, bad, nil)
	assert.ErrorIs(t, err, auth.ErrAuthFailed)

	_, err = a.Authenticate(XOAuth2, []byte("user=alice@example.com\x01auth=Basic c2VjcmV0\x01\x01"), nil)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = a.Authenticate(XOAuth2, []byte("auth=Bearer secret\x01\x01"), nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDigestMD5(t *testing.T) {
	a := newAuthenticator(t)
	client := NewDigestMD5Client("alice@example.com", "secret", "smtp")
	name, ir, err := client.Start()
	require.NoError(t, err)
	conv := &recordingClient{client: client}

	account, err := a.Authenticate(name, ir, conv)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", account)
	require.Len(t, conv.challenges, 2)
	assert.Contains(t, conv.challenges[0], `realm="mx.test"`)
	assert.Contains(t, conv.challenges[0], `qop="auth"`)
	assert.True(t, strings.HasPrefix(conv.challenges[1], "rspauth="), conv.challenges[1])

	client = NewDigestMD5Client("alice@example.com", "wrong", "smtp")
	_, err = a.Authenticate(DigestMD5, nil, &clientConversation{client})
	assert.ErrorIs(t, err, auth.ErrAuthFailed)

	_, err = a.Authenticate(DigestMD5, []byte("early"), nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDigestMD5Rejects(t *testing.T) {
	a := newAuthenticator(t)
	for _, tc := range []struct {
		name   string
		mutate func(d *DigestResponse)
	}{
		{"nonce", func(d *DigestResponse) { d.Nonce = "stale" }},
		{"realm", func(d *DigestResponse) { d.Realm = "elsewhere" }},
		{"nc", func(d *DigestResponse) { d.NC = "00000002" }},
		{"qop", func(d *DigestResponse) { d.QOP = "auth-int" }},
		{"cnonce", func(d *DigestResponse) { d.CNonce = "" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conv := &responder{fn: func(challenge []byte) []byte {
				fields, err := parseDirectives(string(challenge))
				require.NoError(t, err)
				d := &DigestResponse{
					Username:  "alice@example.com",
					Realm:     fields["realm"],
					Nonce:     fields["nonce"],
					CNonce:    "abc",
					NC:        "00000001",
					QOP:       "auth",
					DigestURI: "smtp/mx.test",
				}
				tc.mutate(d)
				d.Response = d.Compute("secret", false)
				return []byte(d.String())
			}}
			_, err := a.Authenticate(DigestMD5, nil, conv)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

// recordingClient drives a go-sasl client and keeps the challenges as text.
type recordingClient struct {
	client     sasl.Client
	challenges []string
}

func (c *recordingClient) Challenge(challenge []byte) ([]byte, error) {
	c.challenges = append(c.challenges, string(challenge))
	return c.client.Next(challenge)
}

func TestDigestResponseCompute(t *testing.T) {
	// RFC 2831 § 4, with the "imap" service and realm from the example.
	d := &DigestResponse{
		Username:  "chris",
		Realm:     "elwood.innosoft.com",
		Nonce:     "OA6MG9tEQGm2hh",
		CNonce:    "OA6MHXh6VqTrRk",
		NC:        "00000001",
		QOP:       "auth",
		DigestURI: "imap/elwood.innosoft.com",
	}
	assert.Equal(t, "d388dad90d4bbd760a152321f2143af7", d.Compute("secret", false))
	assert.Equal(t, "ea40f60335c427b5527b84dbabcdfffd", d.Compute("secret", true))
}

func TestParseDirectives(t *testing.T) {
	fields, err := parseDirectives(`username="a\"b",nc=00000001, realm="x,y"`)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"username": `a"b`, "nc": "00000001", "realm": "x,y"}, fields)

	_, err = parseDirectives(`username="open`)
	assert.Error(t, err)
	_, err = parseDirectives(`novalue`)
	assert.Error(t, err)
}
