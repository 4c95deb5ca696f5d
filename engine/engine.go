// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hearth-im/hearth/auth"
	"github.com/hearth-im/hearth/cache"
	"github.com/hearth-im/hearth/event"
	"github.com/hearth-im/hearth/federation"
	"github.com/hearth-im/hearth/lib/clock"
	"github.com/hearth-im/hearth/lib/config"
	"github.com/hearth-im/hearth/lib/ref"
	"github.com/hearth-im/hearth/resolve"
	"github.com/hearth-im/hearth/store"
)

// Identity is the signing identity local events originate under.
type Identity struct {
	// ServerName is this server's federation name. Local senders must
	// belong to it.
	ServerName ref.ServerName

	// KeyID is the full key identifier (e.g. "ed25519:1") the
	// signature is published under.
	KeyID string

	// SigningKey signs locally built events.
	SigningKey ed25519.PrivateKey
}

// Options wires an Engine. Store and Identity are required; a nil
// Fetcher leaves the engine unable to backfill (fine for a server
// that only originates events), and nil clock/logger get defaults.
type Options struct {
	Store    *store.Store
	Identity Identity
	Fetcher  federation.Fetcher
	KeyRing  event.KeyRing
	Clock    clock.Clock
	Logger   *slog.Logger
	Config   config.Config
}

// Engine is the room engine facade.
type Engine struct {
	store     *store.Store
	events    *cache.Events
	snapshots *cache.Snapshots
	intake    *federation.Intake
	identity  Identity
	clk       clock.Clock
	logger    *slog.Logger

	defaultVersion string
}

// noFetcher is the stand-in when no federation transport is wired.
type noFetcher struct{}

func (noFetcher) FetchEvent(context.Context, ref.ServerName, ref.RoomID, ref.EventID) (json.RawMessage, error) {
	return nil, errors.New("no federation transport configured")
}

func (noFetcher) FetchMissingEvents(context.Context, ref.ServerName, ref.RoomID, []ref.EventID, []ref.EventID, int) ([]json.RawMessage, error) {
	return nil, errors.New("no federation transport configured")
}

// New builds an Engine from Options.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Fetcher == nil {
		opts.Fetcher = noFetcher{}
	}
	if opts.KeyRing == nil {
		opts.KeyRing = event.StaticKeyRing{}
	}
	defaultVersion := opts.Config.Rooms.DefaultVersion
	if defaultVersion == "" {
		defaultVersion = config.Default().Rooms.DefaultVersion
	}

	events := cache.NewEvents(opts.Store, opts.Config.Cache.Events)
	snapshots := cache.NewSnapshots(opts.Store, opts.Config.Cache.Snapshots)
	resolver := resolve.New(events, resolve.Options{Logger: opts.Logger})
	intake := federation.New(federation.Options{
		Store:     opts.Store,
		Events:    events,
		Snapshots: snapshots,
		Resolver:  resolver,
		Fetcher:   opts.Fetcher,
		KeyRing:   opts.KeyRing,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
		Config:    opts.Config.Federation,
	})
	return &Engine{
		store:          opts.Store,
		events:         events,
		snapshots:      snapshots,
		intake:         intake,
		identity:       opts.Identity,
		clk:            opts.Clock,
		logger:         opts.Logger,
		defaultVersion: defaultVersion,
	}
}

// SubmitPDU admits one fully built local event: hash check,
// authorization against its auth events, storage, extremity and state
// bookkeeping. Accepted redactions are applied to their targets.
func (e *Engine) SubmitPDU(ctx context.Context, p *event.PDU) federation.EventOutcome {
	outcome := e.intake.Admit(ctx, p)
	if outcome.Result == federation.ResultAccepted && p.Type == ref.TypeRedaction {
		e.applyRedaction(ctx, p)
	}
	return outcome
}

// IngestTransaction admits a batch of raw PDUs from a remote server,
// returning one outcome per input in input order. Accepted redactions
// are applied to their targets after the batch.
func (e *Engine) IngestTransaction(ctx context.Context, origin ref.ServerName, raws []json.RawMessage) []federation.EventOutcome {
	outcomes := e.intake.IngestTransaction(ctx, origin, raws)
	for _, outcome := range outcomes {
		if outcome.Result != federation.ResultAccepted {
			continue
		}
		p, err := e.events.Get(ctx, outcome.EventID)
		if err != nil {
			continue
		}
		if p.Type == ref.TypeRedaction {
			e.applyRedaction(ctx, p)
		}
	}
	return outcomes
}

// RoomState returns the room's state snapshot: the current resolved
// state when at is nil, or the state holding after the given event.
func (e *Engine) RoomState(ctx context.Context, roomID ref.RoomID, at *ref.EventID) (event.Snapshot, error) {
	if at == nil {
		return e.store.CurrentState(ctx, roomID)
	}
	snapshot, err := e.snapshots.Get(ctx, roomID, *at)
	if err != nil {
		return nil, err
	}
	// The cache shares entries between readers; callers get their own
	// copy to mutate.
	return snapshot.Clone(), nil
}

// MissingEvents answers a peer's backfill request: the events between
// the earliest set the peer holds and the latest it was told about, at
// most limit of them, oldest-reachable last.
func (e *Engine) MissingEvents(ctx context.Context, roomID ref.RoomID, earliest, latest []ref.EventID, limit int) ([]*event.PDU, error) {
	return e.store.MissingEvents(ctx, roomID, earliest, latest, limit)
}

// CreateRoom registers a room and admits its bootstrap chain: the
// create event, the creator's join, and the initial power levels
// granting the creator level 100. versionID empty means the configured
// default. The creator must be a local user.
func (e *Engine) CreateRoom(ctx context.Context, roomID ref.RoomID, versionID string, creator ref.UserID) error {
	if versionID == "" {
		versionID = e.defaultVersion
	}
	version, ok := event.VersionByID(versionID)
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrUnsupportedVersion, versionID)
	}
	if creator.Server() != e.identity.ServerName.String() {
		return fmt.Errorf("engine: creator %s is not local to %s", creator, e.identity.ServerName)
	}
	if err := e.store.CreateRoom(ctx, roomID, versionID); err != nil {
		return err
	}

	createContent := map[string]any{"room_version": versionID}
	if !version.ImplicitRoomCreator {
		createContent["creator"] = creator.String()
	}
	bootstrap := []event.Builder{
		{
			RoomID:   roomID,
			Type:     ref.TypeCreate,
			StateKey: event.StateKeyRef(""),
			Sender:   creator,
			Content:  createContent,
		},
		{
			RoomID:   roomID,
			Type:     ref.TypeMember,
			StateKey: event.StateKeyRef(creator.String()),
			Sender:   creator,
			Content:  map[string]any{"membership": auth.MembershipJoin},
		},
		{
			RoomID:   roomID,
			Type:     ref.TypePowerLevels,
			StateKey: event.StateKeyRef(""),
			Sender:   creator,
			Content:  map[string]any{"users": map[string]any{creator.String(): 100}},
		},
	}
	for _, b := range bootstrap {
		outcome, err := e.AppendEvent(ctx, b)
		if err != nil {
			return fmt.Errorf("engine: bootstrapping %s: %w", roomID, err)
		}
		if outcome.Result != federation.ResultAccepted {
			return fmt.Errorf("engine: bootstrapping %s: %s event %s: %s",
				roomID, b.Type, outcome.Result, outcome.Reason)
		}
	}
	return nil
}

// AppendEvent builds, signs, and admits one event at the room's
// current frontier. The caller provides the what (type, state key,
// sender, content); the engine fills the graph position (prev events,
// depth, auth events, timestamp) and the origin signature. The sender
// must be a local user.
func (e *Engine) AppendEvent(ctx context.Context, b event.Builder) (federation.EventOutcome, error) {
	if b.Sender.Server() != e.identity.ServerName.String() {
		return federation.EventOutcome{}, fmt.Errorf("engine: sender %s is not local to %s", b.Sender, e.identity.ServerName)
	}
	version, err := e.store.RoomVersion(ctx, b.RoomID)
	if err != nil {
		return federation.EventOutcome{}, err
	}

	if b.Type != ref.TypeCreate {
		extremities, err := e.store.ForwardExtremities(ctx, b.RoomID)
		if err != nil {
			return federation.EventOutcome{}, err
		}
		if len(extremities) == 0 {
			return federation.EventOutcome{}, fmt.Errorf("engine: room %s has no events to build on", b.RoomID)
		}
		b.PrevEvents = extremities
		b.Depth, err = e.nextDepth(ctx, extremities)
		if err != nil {
			return federation.EventOutcome{}, err
		}
		b.AuthEvents, err = e.selectAuthEvents(ctx, b)
		if err != nil {
			return federation.EventOutcome{}, err
		}
	} else {
		b.Depth = 1
	}
	b.OriginServerTS = e.clk.Now().UnixMilli()

	p, err := b.BuildSigned(version, e.identity.ServerName, e.identity.KeyID, e.identity.SigningKey)
	if err != nil {
		return federation.EventOutcome{}, err
	}
	return e.SubmitPDU(ctx, p), nil
}

// nextDepth is one past the deepest prev event.
func (e *Engine) nextDepth(ctx context.Context, prevs []ref.EventID) (int64, error) {
	var depth int64
	for _, id := range prevs {
		p, err := e.events.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		if p.Depth > depth {
			depth = p.Depth
		}
	}
	return depth + 1, nil
}

// selectAuthEvents picks the current-state events that authorize b:
// the create event, the power levels, the sender's membership, and
// for membership events also the join rules and the target's
// membership.
func (e *Engine) selectAuthEvents(ctx context.Context, b event.Builder) ([]ref.EventID, error) {
	state, err := e.store.CurrentState(ctx, b.RoomID)
	if err != nil {
		return nil, err
	}

	keys := []event.StateKey{
		{Type: ref.TypeCreate},
		{Type: ref.TypePowerLevels},
		{Type: ref.TypeMember, Key: b.Sender.String()},
	}
	if b.Type == ref.TypeMember && b.StateKey != nil {
		keys = append(keys,
			event.StateKey{Type: ref.TypeJoinRules},
			event.StateKey{Type: ref.TypeMember, Key: *b.StateKey},
		)
	}

	var auths []ref.EventID
	seen := make(map[ref.EventID]struct{}, len(keys))
	for _, key := range keys {
		id, ok := state[key]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		auths = append(auths, id)
	}
	return auths, nil
}

// applyRedaction rewrites an accepted redaction's target to its
// redacted form, when the redaction's sender may redact it: the
// target's own sender always may, anyone else needs the room's redact
// power level.
func (e *Engine) applyRedaction(ctx context.Context, p *event.PDU) {
	if p.Redacts.IsZero() {
		return
	}
	target, err := e.events.Get(ctx, p.Redacts)
	if err != nil {
		// The target may simply not have reached this server. The
		// redaction stays in the DAG; nothing to rewrite.
		e.logger.Debug("redaction target unknown", "event_id", p.ID, "redacts", p.Redacts)
		return
	}
	if target.RoomID != p.RoomID {
		e.logger.Warn("redaction crosses rooms",
			"event_id", p.ID, "room_id", p.RoomID, "target_room", target.RoomID)
		return
	}
	if !e.redactAllowed(ctx, p, target) {
		e.logger.Info("redaction not permitted",
			"event_id", p.ID, "sender", p.Sender, "redacts", p.Redacts)
		return
	}
	if err := e.store.Redact(ctx, target.ID); err != nil {
		e.logger.Warn("applying redaction", "event_id", p.ID, "redacts", p.Redacts, "error", err)
		return
	}
	e.events.Invalidate(target.ID)
}

// redactAllowed reports whether p's sender may redact target, judged
// against the room's current power levels.
func (e *Engine) redactAllowed(ctx context.Context, p, target *event.PDU) bool {
	if p.Sender == target.Sender {
		return true
	}
	state, err := e.store.CurrentState(ctx, p.RoomID)
	if err != nil {
		return false
	}

	threshold := int64(50)
	var senderLevel int64
	if plID, ok := state[event.StateKey{Type: ref.TypePowerLevels}]; ok {
		pl, err := e.events.Get(ctx, plID)
		if err != nil {
			return false
		}
		levels, err := auth.ParsePowerLevels(pl.Content, p.Version())
		if err != nil {
			return false
		}
		threshold = levels.Redact
		senderLevel = levels.UserLevel(p.Sender)
	} else if createID, ok := state[event.StateKey{Type: ref.TypeCreate}]; ok {
		create, err := e.events.Get(ctx, createID)
		if err != nil {
			return false
		}
		if creator, ok := auth.RoomCreator(create); ok && creator == p.Sender {
			senderLevel = 100
		}
	}
	return senderLevel >= threshold
}
