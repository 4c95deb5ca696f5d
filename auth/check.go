// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/hearth-im/hearth/event"
	"github.com/hearth-im/hearth/lib/ref"
)

// Membership values carried in m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// Join rules carried in m.room.join_rules content.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
)

// State is the authorization snapshot an event is checked against:
// the state events reachable through the event's declared auth_events,
// keyed by (type, state key).
type State map[event.StateKey]*event.PDU

func (s State) get(eventType ref.EventType, key string) *event.PDU {
	return s[event.StateKey{Type: eventType, Key: key}]
}

// membership returns a user's membership in the snapshot, "leave" for
// users with no member event.
func (s State) membership(user ref.UserID) string {
	p := s.get(ref.TypeMember, user.String())
	if p == nil {
		return MembershipLeave
	}
	return p.Membership()
}

// Code classifies why an event was rejected.
type Code int

const (
	// CodeMalformed means required content was missing or unparseable.
	CodeMalformed Code = iota

	// CodeMissingCreate means the auth state has no create event.
	CodeMissingCreate

	// CodeFederationDenied means the room does not federate and the
	// sender is remote.
	CodeFederationDenied

	// CodeSenderNotJoined means the sender is not a joined member.
	CodeSenderNotJoined

	// CodeMembershipTransition means a member event described an
	// illegal transition.
	CodeMembershipTransition

	// CodeInsufficientPower means the sender's level is below the
	// required threshold.
	CodeInsufficientPower

	// CodePowerLevelMutation means a power_levels change touched a
	// value above the sender's own level.
	CodePowerLevelMutation

	// CodeRejectedAuthEvent means an event cited in auth_events was
	// itself rejected. Check never returns it — the flag lives in the
	// store, not in the declared state — but admission and replay
	// reject on it before calling Check.
	CodeRejectedAuthEvent
)

// String returns a short identifier for logs.
func (c Code) String() string {
	switch c {
	case CodeMalformed:
		return "malformed"
	case CodeMissingCreate:
		return "missing_create"
	case CodeFederationDenied:
		return "federation_denied"
	case CodeSenderNotJoined:
		return "sender_not_joined"
	case CodeMembershipTransition:
		return "membership_transition"
	case CodeInsufficientPower:
		return "insufficient_power"
	case CodePowerLevelMutation:
		return "power_level_mutation"
	case CodeRejectedAuthEvent:
		return "rejected_auth_event"
	default:
		return "unknown"
	}
}

// Rejection explains why an event is not admissible. Rejections are
// returned, not raised: a rejected event is still part of the DAG,
// and callers log the reason and continue.
type Rejection struct {
	Code   Code
	Reason string
}

// Error makes Rejection usable where an error is wanted.
func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Reason)
}

func reject(code Code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Check decides whether the event is admissible given the auth state.
// Nil means allowed. Check is pure: it reads only its arguments, so
// the same event checks identically against the same snapshot no
// matter when or where it runs.
func Check(p *event.PDU, state State) *Rejection {
	version := p.Version()

	if p.Type == ref.TypeCreate {
		return checkCreate(p, version)
	}

	create := state.get(ref.TypeCreate, "")
	if create == nil {
		return reject(CodeMissingCreate, "auth state for %s has no create event", p.ID)
	}
	if !federationAllowed(create) && p.Sender.Server() != create.Sender.Server() {
		return reject(CodeFederationDenied, "room does not federate; sender %s is remote", p.Sender)
	}

	if p.Type == ref.TypeMember {
		return checkMember(p, state, version)
	}

	if state.membership(p.Sender) != MembershipJoin {
		return reject(CodeSenderNotJoined, "sender %s is not joined", p.Sender)
	}

	pl, err := powerLevelsFrom(state, version)
	if err != nil {
		return reject(CodeMalformed, "power levels: %v", err)
	}
	senderLevel := pl.UserLevel(p.Sender)
	if required := pl.RequiredLevel(p); senderLevel < required {
		return reject(CodeInsufficientPower,
			"sender %s has level %d, %s requires %d", p.Sender, senderLevel, p.Type, required)
	}

	if p.Type == ref.TypePowerLevels {
		return checkPowerLevelMutation(p, state, pl, senderLevel, version)
	}
	return nil
}

func checkCreate(p *event.PDU, version event.Version) *Rejection {
	if p.RoomID.Server() != p.Sender.Server() {
		return reject(CodeMalformed, "room %s not on creator server %s", p.RoomID, p.Sender.Server())
	}
	declared := gjson.GetBytes(p.Content, "room_version")
	declaredID := "1"
	if declared.Exists() {
		if declared.Type != gjson.String {
			return reject(CodeMalformed, "room_version is not a string")
		}
		declaredID = declared.Str
	}
	if declaredID != version.ID {
		return reject(CodeMalformed, "create declares room version %q in a version %s room", declaredID, version.ID)
	}
	if !version.ImplicitRoomCreator {
		creator := gjson.GetBytes(p.Content, "creator")
		if creator.Type != gjson.String {
			return reject(CodeMalformed, "create content has no creator")
		}
		if _, err := ref.ParseUserID(creator.Str); err != nil {
			return reject(CodeMalformed, "create creator: %v", err)
		}
	}
	return nil
}

// federationAllowed reads the create event's m.federate flag, which
// defaults to true.
func federationAllowed(create *event.PDU) bool {
	flag := gjson.GetBytes(create.Content, `m\.federate`)
	return !(flag.Type == gjson.False)
}

func checkMember(p *event.PDU, state State, version event.Version) *Rejection {
	target, err := ref.ParseUserID(p.StateKeyValue())
	if err != nil {
		return reject(CodeMalformed, "member state key: %v", err)
	}
	membership := p.Membership()
	if membership == "" {
		return reject(CodeMalformed, "member event %s has no membership", p.ID)
	}

	pl, plErr := powerLevelsFrom(state, version)
	if plErr != nil {
		return reject(CodeMalformed, "power levels: %v", plErr)
	}
	senderLevel := pl.UserLevel(p.Sender)

	switch membership {
	case MembershipJoin:
		return checkJoin(p, state, target, pl, version)

	case MembershipInvite:
		if gjson.GetBytes(p.Content, "third_party_invite").Exists() {
			return reject(CodeMembershipTransition, "third-party invites are not supported")
		}
		if state.membership(p.Sender) != MembershipJoin {
			return reject(CodeSenderNotJoined, "inviter %s is not joined", p.Sender)
		}
		switch state.membership(target) {
		case MembershipJoin, MembershipBan:
			return reject(CodeMembershipTransition, "%s cannot be invited while %s", target, state.membership(target))
		}
		if senderLevel < pl.Invite {
			return reject(CodeInsufficientPower, "invite requires level %d, sender has %d", pl.Invite, senderLevel)
		}
		return nil

	case MembershipLeave:
		if p.Sender == target {
			switch state.membership(target) {
			case MembershipJoin, MembershipInvite:
				return nil
			case MembershipKnock:
				if version.AllowKnocking {
					return nil
				}
			}
			return reject(CodeMembershipTransition, "%s cannot leave from %s", target, state.membership(target))
		}
		// A kick, or an unban.
		if state.membership(p.Sender) != MembershipJoin {
			return reject(CodeSenderNotJoined, "kicker %s is not joined", p.Sender)
		}
		if state.membership(target) == MembershipBan && senderLevel < pl.Ban {
			return reject(CodeInsufficientPower, "unban requires level %d, sender has %d", pl.Ban, senderLevel)
		}
		if senderLevel < pl.Kick {
			return reject(CodeInsufficientPower, "kick requires level %d, sender has %d", pl.Kick, senderLevel)
		}
		if senderLevel <= pl.UserLevel(target) {
			return reject(CodeInsufficientPower, "cannot kick %s at level %d from level %d", target, pl.UserLevel(target), senderLevel)
		}
		return nil

	case MembershipBan:
		if state.membership(p.Sender) != MembershipJoin {
			return reject(CodeSenderNotJoined, "banner %s is not joined", p.Sender)
		}
		if senderLevel < pl.Ban {
			return reject(CodeInsufficientPower, "ban requires level %d, sender has %d", pl.Ban, senderLevel)
		}
		if senderLevel <= pl.UserLevel(target) {
			return reject(CodeInsufficientPower, "cannot ban %s at level %d from level %d", target, pl.UserLevel(target), senderLevel)
		}
		return nil

	case MembershipKnock:
		if !version.AllowKnocking {
			return reject(CodeMembershipTransition, "room version %s does not allow knocking", version.ID)
		}
		rule := joinRule(state)
		allowed := rule == JoinRuleKnock ||
			(version.AllowKnockRestricted && rule == JoinRuleKnockRestricted)
		if !allowed {
			return reject(CodeMembershipTransition, "join rule %q does not allow knocking", rule)
		}
		if p.Sender != target {
			return reject(CodeMembershipTransition, "knock sender %s is not %s", p.Sender, target)
		}
		switch state.membership(target) {
		case MembershipBan, MembershipInvite, MembershipJoin:
			return reject(CodeMembershipTransition, "%s cannot knock while %s", target, state.membership(target))
		}
		return nil

	default:
		return reject(CodeMembershipTransition, "unknown membership %q", membership)
	}
}

func checkJoin(p *event.PDU, state State, target ref.UserID, pl *PowerLevels, version event.Version) *Rejection {
	create := state.get(ref.TypeCreate, "")

	// The creator's first join cites only the create event.
	if creator, ok := RoomCreator(create); ok && creator == target {
		if len(p.PrevEvents) == 1 && create != nil && p.PrevEvents[0] == create.ID {
			return nil
		}
	}

	if p.Sender != target {
		return reject(CodeMembershipTransition, "join sender %s is not %s", p.Sender, target)
	}
	current := state.membership(target)
	if current == MembershipBan {
		return reject(CodeMembershipTransition, "%s is banned", target)
	}

	rule := joinRule(state)
	switch rule {
	case JoinRulePublic:
		return nil

	case JoinRuleInvite:
		if current == MembershipJoin || current == MembershipInvite {
			return nil
		}
		return reject(CodeMembershipTransition, "%s is not invited", target)

	case JoinRuleKnock:
		if !version.AllowKnocking {
			return reject(CodeMembershipTransition, "join rule %q not recognized by room version %s", rule, version.ID)
		}
		if current == MembershipJoin || current == MembershipInvite {
			return nil
		}
		return reject(CodeMembershipTransition, "%s has not been invited after knocking", target)

	case JoinRuleRestricted, JoinRuleKnockRestricted:
		if rule == JoinRuleRestricted && !version.AllowRestrictedJoins ||
			rule == JoinRuleKnockRestricted && !version.AllowKnockRestricted {
			return reject(CodeMembershipTransition, "join rule %q not recognized by room version %s", rule, version.ID)
		}
		if current == MembershipJoin || current == MembershipInvite {
			return nil
		}
		return checkAuthorisedJoin(p, state, pl)

	default:
		return reject(CodeMembershipTransition, "join rule %q does not allow joining", rule)
	}
}

// checkAuthorisedJoin validates a restricted join vouched for by an
// existing member named in join_authorised_via_users_server.
func checkAuthorisedJoin(p *event.PDU, state State, pl *PowerLevels) *Rejection {
	voucher := gjson.GetBytes(p.Content, "join_authorised_via_users_server")
	if voucher.Type != gjson.String {
		return reject(CodeMembershipTransition, "restricted join without an authorising user")
	}
	authoriser, err := ref.ParseUserID(voucher.Str)
	if err != nil {
		return reject(CodeMalformed, "authorising user: %v", err)
	}
	if state.membership(authoriser) != MembershipJoin {
		return reject(CodeMembershipTransition, "authorising user %s is not joined", authoriser)
	}
	if pl.UserLevel(authoriser) < pl.Invite {
		return reject(CodeInsufficientPower,
			"authorising user %s cannot invite (level %d < %d)", authoriser, pl.UserLevel(authoriser), pl.Invite)
	}
	return nil
}

// joinRule reads the room's join rule, "invite" when unset.
func joinRule(state State) string {
	p := state.get(ref.TypeJoinRules, "")
	if p == nil {
		return JoinRuleInvite
	}
	rule := gjson.GetBytes(p.Content, "join_rule")
	if rule.Type != gjson.String {
		return JoinRuleInvite
	}
	return rule.Str
}

// checkPowerLevelMutation enforces the change constraints on a new
// power_levels event: every level the event adds, changes, or removes
// must be within the sender's own level, and a user entry equal to the
// sender's level may only be changed by that user themself.
func checkPowerLevelMutation(p *event.PDU, state State, oldPL *PowerLevels, senderLevel int64, version event.Version) *Rejection {
	// Shape-check the new content before comparing.
	if _, err := ParsePowerLevels(p.Content, version); err != nil {
		return reject(CodeMalformed, "power levels: %v", err)
	}

	previous := state.get(ref.TypePowerLevels, "")
	if previous == nil {
		return nil
	}
	strict := version.StrictIntegerPowerLevels

	for _, key := range []string{
		"users_default", "events_default", "state_default",
		"ban", "kick", "redact", "invite",
	} {
		oldValue, oldPresent, _ := levelAt(previous.Content, key, strict)
		newValue, newPresent, err := levelAt(p.Content, key, strict)
		if err != nil {
			return reject(CodeMalformed, "%v", err)
		}
		if r := checkLevelChange(key, oldValue, oldPresent, newValue, newPresent, senderLevel); r != nil {
			return r
		}
	}

	for _, table := range []string{"users", "events"} {
		oldTable, _ := levelTable(previous.Content, table, strict, false)
		newTable, err := levelTable(p.Content, table, strict, table == "users")
		if err != nil {
			return reject(CodeMalformed, "%v", err)
		}
		for key := range union(oldTable, newTable) {
			oldValue, oldPresent := oldTable[key]
			newValue, newPresent := newTable[key]
			if r := checkLevelChange(table+"."+key, oldValue, oldPresent, newValue, newPresent, senderLevel); r != nil {
				return r
			}
			// Removing or changing another user's entry at the
			// sender's own level would let equals demote each other.
			if table == "users" && key != p.Sender.String() && oldPresent {
				changed := !newPresent || newValue != oldValue
				if changed && oldValue == senderLevel {
					return reject(CodePowerLevelMutation,
						"cannot change level of %s, an equal of the sender", key)
				}
			}
		}
	}
	return nil
}

// checkLevelChange applies the shared constraint: a changed level may
// not exceed the sender's own level on either side of the change.
func checkLevelChange(key string, oldValue int64, oldPresent bool, newValue int64, newPresent bool, senderLevel int64) *Rejection {
	if oldPresent == newPresent && (!oldPresent || oldValue == newValue) {
		return nil
	}
	if oldPresent && oldValue > senderLevel {
		return reject(CodePowerLevelMutation,
			"cannot change %s from %d, above sender level %d", key, oldValue, senderLevel)
	}
	if newPresent && newValue > senderLevel {
		return reject(CodePowerLevelMutation,
			"cannot set %s to %d, above sender level %d", key, newValue, senderLevel)
	}
	return nil
}

func union(a, b map[string]int64) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}
