package telegram

import (
	"context"
)

// Operation names used as cooldown keys.
const (
	OpResolve      = "resolve"
	OpResolveUser  = "resolve_user"
	OpSearch       = "search"
	OpFullMetadata = "get_full_metadata"
	OpParticipants = "get_participants"
	OpMessages     = "get_messages"
	OpReactors     = "get_reactors"
	OpReplies      = "get_replies"
	OpJoin         = "join"
	OpMemberships  = "list_memberships"
)

// Governed wraps a Platform so that every call goes through a Governor.
type Governed struct {
	inner    Platform
	governor *Governor
	policy   Policy
}

var _ Platform = (*Governed)(nil)

// NewGoverned wraps inner with governor using PolicyWait.
func NewGoverned(inner Platform, governor *Governor) *Governed {
	return &Governed{inner: inner, governor: governor, policy: PolicyWait}
}

// WithPolicy returns a view sharing the same governor and cooldown state but
// applying policy.
func (p *Governed) WithPolicy(policy Policy) *Governed {
	return &Governed{inner: p.inner, governor: p.governor, policy: policy}
}

// Governor returns the shared governor.
func (p *Governed) Governor() *Governor {
	return p.governor
}

func (p *Governed) ResolveEntity(ctx context.Context, ref string) (*RawEntity, error) {
	return Do(ctx, p.governor, OpResolve, p.policy, func(ctx context.Context) (*RawEntity, error) {
		return p.inner.ResolveEntity(ctx, ref)
	})
}

func (p *Governed) ResolveUser(ctx context.Context, username string) (*RawUser, error) {
	return Do(ctx, p.governor, OpResolveUser, p.policy, func(ctx context.Context) (*RawUser, error) {
		return p.inner.ResolveUser(ctx, username)
	})
}

func (p *Governed) SearchEntities(ctx context.Context, term string, limit int) ([]RawEntity, error) {
	return Do(ctx, p.governor, OpSearch, p.policy, func(ctx context.Context) ([]RawEntity, error) {
		return p.inner.SearchEntities(ctx, term, limit)
	})
}

func (p *Governed) GetFullMetadata(ctx context.Context, entity *RawEntity) (*FullMetadata, error) {
	return Do(ctx, p.governor, OpFullMetadata, p.policy, func(ctx context.Context) (*FullMetadata, error) {
		return p.inner.GetFullMetadata(ctx, entity)
	})
}

func (p *Governed) ListParticipants(ctx context.Context, entity *RawEntity, filter ParticipantFilter, offset, limit int) ([]RawUser, error) {
	return Do(ctx, p.governor, OpParticipants, p.policy, func(ctx context.Context) ([]RawUser, error) {
		return p.inner.ListParticipants(ctx, entity, filter, offset, limit)
	})
}

func (p *Governed) GetMessages(ctx context.Context, entity *RawEntity, offsetID, limit int) ([]RawMessage, error) {
	return Do(ctx, p.governor, OpMessages, p.policy, func(ctx context.Context) ([]RawMessage, error) {
		return p.inner.GetMessages(ctx, entity, offsetID, limit)
	})
}

func (p *Governed) GetReactors(ctx context.Context, entity *RawEntity, msgID, limit int) ([]RawUser, error) {
	return Do(ctx, p.governor, OpReactors, p.policy, func(ctx context.Context) ([]RawUser, error) {
		return p.inner.GetReactors(ctx, entity, msgID, limit)
	})
}

func (p *Governed) GetReplies(ctx context.Context, entity *RawEntity, msgID, limit int) ([]RawMessage, error) {
	return Do(ctx, p.governor, OpReplies, p.policy, func(ctx context.Context) ([]RawMessage, error) {
		return p.inner.GetReplies(ctx, entity, msgID, limit)
	})
}

func (p *Governed) JoinEntity(ctx context.Context, ref string) error {
	return p.governor.Exec(ctx, OpJoin, p.policy, func(ctx context.Context) error {
		return p.inner.JoinEntity(ctx, ref)
	})
}

func (p *Governed) JoinByInvite(ctx context.Context, inviteLink string) error {
	return p.governor.Exec(ctx, OpJoin, p.policy, func(ctx context.Context) error {
		return p.inner.JoinByInvite(ctx, inviteLink)
	})
}

func (p *Governed) ListMemberships(ctx context.Context) ([]RawEntity, error) {
	return Do(ctx, p.governor, OpMemberships, p.policy, func(ctx context.Context) ([]RawEntity, error) {
		return p.inner.ListMemberships(ctx)
	})
}
