// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/hearth-im/hearth/lib/ref"
)

// ErrBadSignature is returned when an event carries no usable
// signature from its origin server, or the signature fails to verify.
// Like a hash mismatch, this is a permanent rejection.
var ErrBadSignature = errors.New("event: signature verification failed")

// KeyRing resolves the ed25519 verification keys of remote servers.
// The network layer that refreshes keys over federation lives outside
// the engine; tests and closed federations use [StaticKeyRing].
type KeyRing interface {
	// VerifyKey returns the public key a server publishes under the
	// given key ID ("ed25519:abc"), or false if unknown.
	VerifyKey(server ref.ServerName, keyID string) (ed25519.PublicKey, bool)
}

// StaticKeyRing is a fixed in-memory KeyRing.
type StaticKeyRing map[string]map[string]ed25519.PublicKey

// VerifyKey implements KeyRing.
func (r StaticKeyRing) VerifyKey(server ref.ServerName, keyID string) (ed25519.PublicKey, bool) {
	keys, ok := r[server.String()]
	if !ok {
		return nil, false
	}
	key, ok := keys[keyID]
	return key, ok
}

// Sign adds the origin server's signature to the event body. The
// signature covers the redacted, signature-stripped canonical form,
// so it survives redaction. Used by the builder for locally created
// events; remote events arrive already signed.
func (p *PDU) Sign(server ref.ServerName, keyID string, key ed25519.PrivateKey) error {
	data, err := p.signableJSON()
	if err != nil {
		return err
	}
	sig := base64.StdEncoding.WithPadding(base64.NoPadding).EncodeToString(ed25519.Sign(key, data))

	signatures, _ := p.body["signatures"].(map[string]any)
	if signatures == nil {
		signatures = make(map[string]any)
	}
	serverSigs, _ := signatures[server.String()].(map[string]any)
	if serverSigs == nil {
		serverSigs = make(map[string]any)
	}
	serverSigs[keyID] = sig
	signatures[server.String()] = serverSigs
	p.body["signatures"] = signatures
	return nil
}

// VerifySignature checks that the event carries a valid signature from
// the sender's server under a key the ring knows. Any one valid
// signature from that server is sufficient.
func VerifySignature(p *PDU, ring KeyRing) error {
	origin, err := ref.ParseServerName(p.Sender.Server())
	if err != nil {
		return fmt.Errorf("%w: sender server: %v", ErrBadSignature, err)
	}

	signatures, _ := p.body["signatures"].(map[string]any)
	serverSigs, _ := signatures[origin.String()].(map[string]any)
	if len(serverSigs) == 0 {
		return fmt.Errorf("%w: no signature from %s", ErrBadSignature, origin)
	}

	data, err := p.signableJSON()
	if err != nil {
		return err
	}

	for keyID, raw := range serverSigs {
		encoded, ok := raw.(string)
		if !ok {
			continue
		}
		key, known := ring.VerifyKey(origin, keyID)
		if !known {
			continue
		}
		sig, err := base64.StdEncoding.WithPadding(base64.NoPadding).DecodeString(encoded)
		if err != nil {
			continue
		}
		if ed25519.Verify(key, data, sig) {
			return nil
		}
	}
	return fmt.Errorf("%w: no verifiable signature from %s", ErrBadSignature, origin)
}
