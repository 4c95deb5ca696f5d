// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package engine is the external surface of the room engine: the
// operations the embedding server calls. It composes the PDU store,
// the derived caches, the state resolver, and the federation intake
// behind one facade, and owns the concerns that cut across them —
// building and signing locally originated events, bootstrapping new
// rooms, and applying accepted redactions to their targets.
//
// The engine has no network listener. Inbound transactions and
// outbound fetches both cross the boundary as plain Go calls
// ([Engine.IngestTransaction] in, [federation.Fetcher] out).
package engine
