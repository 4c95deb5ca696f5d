// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf8"
)

// Integer bounds for canonical JSON numbers. Values outside this range
// cannot round-trip through a double, so the Matrix spec forbids them.
const (
	maxInt = 1<<53 - 1
	minInt = -(1 << 53) + 1
)

// JSON re-encodes raw (any valid JSON document) into Matrix canonical
// form. Returns an error if raw is not valid JSON, contains a
// floating-point or exponent-form number, or contains an integer
// outside [-(2^53)+1, 2^53-1].
func JSON(raw []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("canonical: invalid JSON: %w", err)
	}
	// A trailing second document means the input was not one value.
	if decoder.More() {
		return nil, fmt.Errorf("canonical: trailing data after JSON value")
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Marshal encodes v with encoding/json and then canonicalizes the
// result. Use this for Go structs; use JSON for documents that arrived
// on the wire.
func Marshal(v any) ([]byte, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	return JSON(plain)
}

func writeValue(buf *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, v)
	case json.Number:
		return writeNumber(buf, v)
	case []any:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			if err := writeValue(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", value)
	}
	return nil
}

// writeNumber emits an integer in shortest form. Floats and exponent
// notation are rejected outright rather than rounded: a number that
// two implementations could render differently must never reach the
// hash input.
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	i, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("canonical: non-integer number %q", n.String())
	}
	if i > maxInt || i < minInt {
		return fmt.Errorf("canonical: integer %d outside ±2^53-1", i)
	}
	buf.WriteString(strconv.FormatInt(i, 10))
	return nil
}

// writeString emits s as a JSON string with minimal escaping: only the
// quote, backslash, and control characters are escaped; everything
// else (including < > & and non-ASCII) is raw UTF-8. Invalid UTF-8
// sequences are replaced with U+FFFD so output is always valid UTF-8.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r < 0x20:
			fmt.Fprintf(buf, `\u%04x`, r)
		case r == utf8.RuneError && size == 1:
			buf.WriteRune(utf8.RuneError)
		default:
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}
