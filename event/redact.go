// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"fmt"

	"github.com/hearth-im/hearth/lib/canonical"
	"github.com/hearth-im/hearth/lib/ref"
)

// RedactedJSON returns the canonical JSON of the event's redacted
// form: disallowed top-level keys and content fields removed, identity
// untouched. The store rewrites an event in place with these bytes
// when a redaction for it is accepted; re-parsing them yields the same
// event ID.
func (p *PDU) RedactedJSON() ([]byte, error) {
	redacted := redactBody(p.body, p.Type, p.version)
	data, err := canonical.Marshal(redacted)
	if err != nil {
		return nil, fmt.Errorf("event %s: redacting: %w", p.ID, err)
	}
	return data, nil
}

// redactBody applies the room version's keep-lists to a copy of the
// decoded event body. The input is never modified.
func redactBody(body map[string]any, eventType ref.EventType, version Version) map[string]any {
	out := make(map[string]any, len(body))
	for _, key := range version.redactKeepTopLevel {
		if value, ok := body[key]; ok {
			out[key] = value
		}
	}

	content, ok := body["content"].(map[string]any)
	if !ok {
		out["content"] = map[string]any{}
		return out
	}

	keep := version.redactKeepContent[eventType]
	if len(keep) == 1 && keep[0] == "*" {
		out["content"] = content
		return out
	}

	kept := make(map[string]any, len(keep))
	for _, key := range keep {
		if value, ok := content[key]; ok {
			kept[key] = value
		}
	}
	out["content"] = kept
	return out
}
