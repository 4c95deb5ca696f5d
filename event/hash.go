// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/hearth-im/hearth/lib/canonical"
	"github.com/hearth-im/hearth/lib/ref"
)

// ErrHashMismatch is returned when an event's claimed content hash
// does not match the recomputed value. The event is evidence of a
// buggy or malicious sender and must never be persisted.
var ErrHashMismatch = errors.New("event: content hash mismatch")

// contentHash computes the SHA-256 content hash: the hash over the
// canonical JSON of the event with the signatures, unsigned, and
// hashes keys removed. Encoded as unpadded standard base64, matching
// the wire encoding of hashes.sha256.
func (p *PDU) contentHash() (string, error) {
	stripped := make(map[string]any, len(p.body))
	for k, v := range p.body {
		switch k {
		case "signatures", "unsigned", "hashes":
			continue
		}
		stripped[k] = v
	}
	data, err := canonical.Marshal(stripped)
	if err != nil {
		return "", fmt.Errorf("event: content hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return base64.StdEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:]), nil
}

// referenceHash computes the event's identity: SHA-256 over the
// canonical JSON of the redacted event with signatures and unsigned
// removed. The event ID is '$' followed by the unpadded URL-safe
// base64 of the digest.
func (p *PDU) referenceHash() (ref.EventID, error) {
	data, err := p.signableJSON()
	if err != nil {
		return ref.EventID{}, err
	}
	sum := sha256.Sum256(data)
	encoded := base64.RawURLEncoding.EncodeToString(sum[:])
	return ref.ParseEventID("$" + encoded)
}

// signableJSON is the canonical JSON of the redacted, signature- and
// unsigned-stripped event: the byte string that is both hashed for the
// event ID and signed by the origin server. Redacting first is what
// keeps IDs and signatures valid after content is redacted away.
func (p *PDU) signableJSON() ([]byte, error) {
	redacted := redactBody(p.body, p.Type, p.version)
	delete(redacted, "signatures")
	delete(redacted, "unsigned")
	data, err := canonical.Marshal(redacted)
	if err != nil {
		return nil, fmt.Errorf("event: reference form: %w", err)
	}
	return data, nil
}

// VerifyContentHash recomputes the content hash and compares it to the
// claimed hashes.sha256. Returns ErrHashMismatch when they differ or
// when the claim is missing or unreadable.
func (p *PDU) VerifyContentHash() error {
	claimed, ok := claimedSHA256(p.body)
	if !ok {
		return fmt.Errorf("%w: missing hashes.sha256", ErrHashMismatch)
	}
	computed, err := p.contentHash()
	if err != nil {
		return err
	}
	if claimed != computed {
		return fmt.Errorf("%w: claimed %s, computed %s", ErrHashMismatch, claimed, computed)
	}
	return nil
}

func claimedSHA256(body map[string]any) (string, bool) {
	hashes, ok := body["hashes"].(map[string]any)
	if !ok {
		return "", false
	}
	claimed, ok := hashes["sha256"].(string)
	return claimed, ok
}
