// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// ServerName is a validated Matrix server name (e.g., "hearth.local",
// "matrix.example.com:8448").
//
// Server names identify federated homeservers. They appear after the
// colon in user IDs and room IDs, and key the signatures block of every
// PDU. The engine constructs server names from configuration and from
// identifiers inside PDUs; they are validated at the boundary and
// passed through as typed values.
//
// ServerName is an immutable value type. The zero value is not valid;
// use IsZero to check.
type ServerName struct {
	name string
}

// ParseServerName validates and wraps a raw Matrix server name string.
// Returns an error if the string is empty or contains characters that
// can never appear in a server name (whitespace, control characters,
// Matrix sigils).
func ParseServerName(raw string) (ServerName, error) {
	if raw == "" {
		return ServerName{}, fmt.Errorf("empty server name")
	}
	for _, r := range raw {
		if r <= ' ' || r == 0x7f {
			return ServerName{}, fmt.Errorf("server name contains whitespace or control character: %q", raw)
		}
		if strings.ContainsRune("@!#$", r) {
			return ServerName{}, fmt.Errorf("server name contains sigil %q: %q", r, raw)
		}
	}
	return ServerName{name: raw}, nil
}

// MustParseServerName is like ParseServerName but panics on error. Use
// in tests and static initialization where the input is known-valid.
func MustParseServerName(raw string) ServerName {
	s, err := ParseServerName(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseServerName(%q): %v", raw, err))
	}
	return s
}

// String returns the server name string (e.g., "hearth.local").
func (s ServerName) String() string { return s.name }

// IsZero reports whether the ServerName is the zero value (uninitialized).
func (s ServerName) IsZero() bool { return s.name == "" }

// MarshalText implements encoding.TextMarshaler for JSON and other
// text-based serialization formats.
func (s ServerName) MarshalText() ([]byte, error) {
	if s.name == "" {
		return []byte{}, nil
	}
	return []byte(s.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for JSON and other
// text-based serialization formats. Validates the server name.
// An empty input produces the zero value (unset server name).
func (s *ServerName) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*s = ServerName{}
		return nil
	}
	parsed, err := ParseServerName(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
