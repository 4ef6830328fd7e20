// mailmock
// Copyright 2026 Blue Static <https://www.bluestatic.org>
// This program is free software licensed under the GNU General Public License,
// version 3.0. The full text of the license can be found in LICENSE.txt.
// SPDX-License-Identifier: GPL-3.0-only

package mailmock

import (
	"crypto/tls"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"src.bluestatic.org/mailmock/auth"
	"src.bluestatic.org/mailmock/internal/mech"
	"src.bluestatic.org/mailmock/internal/testtls"
)

// Config is the file form of Options, plus accounts and messages to seed the
// server with.
type Config struct {
	Hostname    string          `toml:"hostname"`
	LogLevel    string          `toml:"log_level"`
	GracePeriod string          `toml:"grace_period"`
	SMTP        SMTPConfig      `toml:"smtp"`
	POP3        POP3Config      `toml:"pop3"`
	TLS         TLSConfig       `toml:"tls"`
	Metrics     MetricsConfig   `toml:"metrics"`
	Accounts    []AccountConfig `toml:"accounts"`
	Messages    []MessageConfig `toml:"messages"`
}

type SMTPConfig struct {
	Disabled          bool     `toml:"disabled"`
	Address           string   `toml:"address"`
	TLS               string   `toml:"tls"`
	RequireAuth       bool     `toml:"require_auth"`
	AllowInsecureAuth bool     `toml:"allow_insecure_auth"`
	Recipients        string   `toml:"recipients"`
	Mechanisms        []string `toml:"mechanisms"`
	DisabledCommands  []string `toml:"disabled_commands"`
	ReceivedHeader    bool     `toml:"received_header"`
	MaxMessageSize    int      `toml:"max_message_size"`
}

type POP3Config struct {
	Disabled         bool     `toml:"disabled"`
	Address          string   `toml:"address"`
	TLS              string   `toml:"tls"`
	Mechanisms       []string `toml:"mechanisms"`
	DisabledCommands []string `toml:"disabled_commands"`
	DisableAPOP      bool     `toml:"disable_apop"`
}

// TLSConfig names the certificate presented by TLS listeners. SelfSigned
// generates a throwaway certificate for localhost instead.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	SelfSigned bool   `toml:"self_signed"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// AccountConfig registers credentials. Behavior is one of "normal",
// "succeed", "fail" or "fail-after-n"; the last uses FailAfter. Mail sent to
// any of Addresses lands in the account's mailbox.
type AccountConfig struct {
	Name       string   `toml:"name"`
	Secret     string   `toml:"secret"`
	SecretHash string   `toml:"secret_hash"`
	Addresses  []string `toml:"addresses"`
	Behavior   string   `toml:"behavior"`
	FailAfter  int      `toml:"fail_after"`
}

// MessageConfig seeds a mailbox with the contents of Body or File.
type MessageConfig struct {
	Account string `toml:"account"`
	Body    string `toml:"body"`
	File    string `toml:"file"`
}

func DefaultConfig() Config {
	return Config{
		Hostname:    "localhost",
		LogLevel:    "info",
		GracePeriod: "5s",
		SMTP: SMTPConfig{
			Address:    "127.0.0.1:2525",
			Mechanisms: slices.Clone(mech.Supported),
		},
		POP3: POP3Config{
			Address:    "127.0.0.1:1110",
			Mechanisms: slices.Clone(mech.Supported),
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9225",
			Path:    "/metrics",
		},
	}
}

// LoadConfig reads a TOML file over the defaults. A missing file yields the
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, configError(path, err)
	}
	return cfg, nil
}

// Options converts the file form into Options, loading the TLS certificate.
func (c Config) Options() (Options, error) {
	opts := Options{Hostname: c.Hostname}

	if c.GracePeriod != "" {
		d, err := time.ParseDuration(c.GracePeriod)
		if err != nil {
			return opts, configError("grace_period", err)
		}
		opts.GracePeriod = d
	}

	if !c.SMTP.Disabled {
		mode, err := ParseTLSMode(c.SMTP.TLS)
		if err != nil {
			return opts, configError("smtp.tls", err)
		}
		policy, err := ParseRecipientPolicy(c.SMTP.Recipients)
		if err != nil {
			return opts, configError("smtp.recipients", err)
		}
		opts.SMTP = &SMTPOptions{
			Address:           c.SMTP.Address,
			TLS:               mode,
			RequireAuth:       c.SMTP.RequireAuth,
			AllowInsecureAuth: c.SMTP.AllowInsecureAuth,
			Recipients:        policy,
			Mechanisms:        c.SMTP.Mechanisms,
			DisabledCommands:  c.SMTP.DisabledCommands,
			ReceivedHeader:    c.SMTP.ReceivedHeader,
			MaxMessageSize:    c.SMTP.MaxMessageSize,
		}
	}

	if !c.POP3.Disabled {
		mode, err := ParseTLSMode(c.POP3.TLS)
		if err != nil {
			return opts, configError("pop3.tls", err)
		}
		opts.POP3 = &POP3Options{
			Address:          c.POP3.Address,
			TLS:              mode,
			Mechanisms:       c.POP3.Mechanisms,
			DisabledCommands: c.POP3.DisabledCommands,
			DisableAPOP:      c.POP3.DisableAPOP,
		}
	}

	cert, err := c.TLS.certificate()
	if err != nil {
		return opts, configError("tls", err)
	}
	opts.Certificate = cert

	return opts, opts.Validate()
}

func (c TLSConfig) certificate() (*tls.Certificate, error) {
	if c.SelfSigned {
		cert, err := testtls.Certificate()
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
	if c.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// Seed registers the configured accounts and delivers the configured
// messages.
func (c Config) Seed(s *Server) error {
	for i, a := range c.Accounts {
		field := fmt.Sprintf("accounts[%d]", i)
		b, err := auth.ParseBehavior(a.Behavior, a.FailAfter)
		if err != nil {
			return configError(field+".behavior", err)
		}
		if a.SecretHash != "" {
			err = s.creds.RegisterHashed(a.Name, []byte(a.SecretHash), b)
		} else {
			err = s.creds.Register(a.Name, a.Secret, b)
		}
		if err != nil {
			return configError(field, err)
		}
		if err := s.addMailbox(a.Name, a.Addresses); err != nil {
			return configError(field, err)
		}
	}

	for i, m := range c.Messages {
		field := fmt.Sprintf("messages[%d]", i)
		data := []byte(m.Body)
		if m.File != "" {
			var err error
			if data, err = os.ReadFile(m.File); err != nil {
				return configError(field+".file", err)
			}
		}
		if _, err := s.Deliver(m.Account, crlf(data)); err != nil {
			return configError(field+".account", err)
		}
	}
	return nil
}

// crlf normalizes line endings to CRLF and terminates the last line.
func crlf(data []byte) []byte {
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}
