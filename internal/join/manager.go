// Package join joins the logged-in account to discovered entities.
package join

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blockedby/tg-crawler/internal/clock"
	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

var (
	// ErrJoinDenied means the entity is private or requires an invitation.
	ErrJoinDenied = errors.New("join denied")
	// ErrJoinUnverified means a join call succeeded but the membership could
	// not be confirmed afterwards.
	ErrJoinUnverified = errors.New("join not verified")
)

// Outcome is the result of a successful join.
type Outcome string

// Outcome constants.
const (
	Joined        Outcome = "joined"
	AlreadyMember Outcome = "already-member"
)

// EntityLookup finds stored entities to reuse their invite links.
type EntityLookup interface {
	Get(id int64) (models.Entity, bool)
	All() []models.Entity
}

// Result describes a join attempt.
type Result struct {
	Ref      string  `json:"ref"`
	EntityID int64   `json:"entity_id,omitempty"`
	Outcome  Outcome `json:"outcome,omitempty"`
	Via      string  `json:"via,omitempty"` // "username" or "invite"
	Error    string  `json:"error,omitempty"`
}

// Manager joins entities and verifies the membership.
type Manager struct {
	platform    telegram.Platform
	entities    EntityLookup
	verifyDelay time.Duration
	clock       clock.Clock
	log         *logger.Logger
}

// NewManager creates a join manager. entities may be nil.
func NewManager(platform telegram.Platform, entities EntityLookup, verifyDelay time.Duration, clk clock.Clock, log *logger.Logger) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		platform:    platform,
		entities:    entities,
		verifyDelay: verifyDelay,
		clock:       clk,
		log:         logger.OrNop(log).Component("join"),
	}
}

// Join joins the entity referenced by a username or id. It tries the username
// first and the stored invite link second, then re-lists memberships after
// verifyDelay to confirm.
func (m *Manager) Join(ctx context.Context, ref string) (*Result, error) {
	res := &Result{Ref: ref}

	raw, resolveErr := m.platform.ResolveEntity(ctx, ref)
	if resolveErr != nil && stop(ctx, resolveErr) {
		return res, resolveErr
	}
	if raw != nil {
		res.EntityID = raw.ID
	}
	stored, haveStored := m.stored(raw, ref)
	if res.EntityID == 0 && haveStored {
		res.EntityID = stored.ID
	}

	if res.EntityID != 0 {
		member, err := m.isMember(ctx, res.EntityID)
		if err != nil {
			return res, err
		}
		if member {
			res.Outcome = AlreadyMember
			m.log.Info().Str("ref", ref).Int64("entity_id", res.EntityID).Msg("join: already a member")
			return res, nil
		}
	}

	var joinErr error
	switch {
	case raw != nil && raw.IsPublic():
		res.Via = "username"
		joinErr = m.platform.JoinEntity(ctx, raw.Username)
	case resolveErr != nil && !haveStored:
		return m.fail(res, resolveErr)
	default:
		joinErr = errNoPublicRoute
	}

	if joinErr != nil && haveStored && stored.InviteLink != "" && !stop(ctx, joinErr) {
		m.log.Debug().Err(joinErr).Str("ref", ref).Msg("join: falling back to invite link")
		res.Via = "invite"
		joinErr = m.platform.JoinByInvite(ctx, stored.InviteLink)
	}
	if joinErr != nil {
		return m.fail(res, joinErr)
	}

	if err := m.clock.Sleep(ctx, m.verifyDelay); err != nil {
		return res, err
	}
	if res.EntityID == 0 {
		res.Error = ErrJoinUnverified.Error()
		return res, fmt.Errorf("%s: %w: entity id unknown", ref, ErrJoinUnverified)
	}
	member, err := m.isMember(ctx, res.EntityID)
	if err != nil {
		return res, err
	}
	if !member {
		res.Error = ErrJoinUnverified.Error()
		m.log.Warn().Str("ref", ref).Int64("entity_id", res.EntityID).Msg("join: membership not visible after join")
		return res, fmt.Errorf("%s: %w", ref, ErrJoinUnverified)
	}

	res.Outcome = Joined
	m.log.Info().Str("ref", ref).Int64("entity_id", res.EntityID).Str("via", res.Via).Msg("join: joined")
	return res, nil
}

var errNoPublicRoute = errors.New("entity has no public username")

func (m *Manager) fail(res *Result, err error) (*Result, error) {
	if errors.Is(err, telegram.ErrPrivateOrForbidden) || errors.Is(err, errNoPublicRoute) {
		err = fmt.Errorf("%s: %w: %w", res.Ref, ErrJoinDenied, err)
	}
	res.Error = err.Error()
	m.log.Warn().Err(err).Str("ref", res.Ref).Msg("join: failed")
	return res, err
}

// stored finds the persisted entity by id or username.
func (m *Manager) stored(raw *telegram.RawEntity, ref string) (models.Entity, bool) {
	if m.entities == nil {
		return models.Entity{}, false
	}
	if raw != nil {
		if e, ok := m.entities.Get(raw.ID); ok {
			return e, true
		}
	}
	id, username := telegram.ParseRef(ref)
	if id != 0 {
		return m.entities.Get(id)
	}
	return m.entities.ByUsername(username)
}

func (m *Manager) isMember(ctx context.Context, id int64) (bool, error) {
	list, err := m.platform.ListMemberships(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range list {
		if e.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func stop(ctx context.Context, err error) bool {
	return ctx.Err() != nil || telegram.IsRateLimited(err) || errors.Is(err, telegram.ErrNotAuthorized)
}
