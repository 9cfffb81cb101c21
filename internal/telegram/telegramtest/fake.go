// Package telegramtest provides an in-memory, scriptable telegram.Platform
// for tests.
package telegramtest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/blockedby/tg-crawler/internal/telegram"
)

type msgKey struct {
	entity int64
	msg    int
}

// Fake is an in-memory Platform. Every method counts a call under the same
// operation name the governor uses and first consumes any scripted error.
type Fake struct {
	mu sync.Mutex

	entities     map[int64]telegram.RawEntity
	order        []int64
	meta         map[int64]telegram.FullMetadata
	participants map[int64][]telegram.RawUser
	messages     map[int64][]telegram.RawMessage
	reactors     map[msgKey][]telegram.RawUser
	replies      map[msgKey][]telegram.RawMessage
	users        map[string]telegram.RawUser
	search       map[string][]int64
	invites      map[string]int64
	memberships  map[int64]bool
	denied       map[int64]bool
	silent       map[int64]bool

	failNext   map[string][]error
	failAlways map[string]error
	calls      map[string]int
}

var _ telegram.Platform = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		entities:     make(map[int64]telegram.RawEntity),
		meta:         make(map[int64]telegram.FullMetadata),
		participants: make(map[int64][]telegram.RawUser),
		messages:     make(map[int64][]telegram.RawMessage),
		reactors:     make(map[msgKey][]telegram.RawUser),
		replies:      make(map[msgKey][]telegram.RawMessage),
		users:        make(map[string]telegram.RawUser),
		search:       make(map[string][]int64),
		invites:      make(map[string]int64),
		memberships:  make(map[int64]bool),
		denied:       make(map[int64]bool),
		silent:       make(map[int64]bool),
		failNext:     make(map[string][]error),
		failAlways:   make(map[string]error),
		calls:        make(map[string]int),
	}
}

// AddEntity registers an entity; re-adding replaces it.
func (f *Fake) AddEntity(e telegram.RawEntity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entities[e.ID]; !ok {
		f.order = append(f.order, e.ID)
	}
	f.entities[e.ID] = e
}

// SetMetadata sets the full metadata of an entity.
func (f *Fake) SetMetadata(id int64, meta telegram.FullMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta[id] = meta
}

// AddParticipants appends participants of an entity.
func (f *Fake) AddParticipants(id int64, users ...telegram.RawUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.participants[id] = append(f.participants[id], users...)
}

// AddMessages appends history, newest first.
func (f *Fake) AddMessages(id int64, msgs ...telegram.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[id] = append(f.messages[id], msgs...)
}

// SetReactors sets the reactor list of a message.
func (f *Fake) SetReactors(id int64, msgID int, users ...telegram.RawUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactors[msgKey{id, msgID}] = users
}

// SetReplies sets the reply thread of a message.
func (f *Fake) SetReplies(id int64, msgID int, msgs ...telegram.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[msgKey{id, msgID}] = msgs
}

// AddUser registers a user resolvable by username.
func (f *Fake) AddUser(u telegram.RawUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[strings.ToLower(u.Username)] = u
}

// SetSearchResults pins the result of a search term. Unpinned terms match
// usernames and titles by substring.
func (f *Fake) SetSearchResults(term string, ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.search[term] = ids
}

// AddInvite makes link join entity id.
func (f *Fake) AddInvite(link string, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites[link] = id
}

// SetMember marks the account as already in entity id.
func (f *Fake) SetMember(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships[id] = true
}

// DenyJoin makes joins of id fail as private.
func (f *Fake) DenyJoin(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denied[id] = true
}

// SilentJoin makes joins of id report success without granting membership.
func (f *Fake) SilentJoin(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent[id] = true
}

// FailNext queues errors returned by the next calls of op.
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = append(f.failNext[op], errs...)
}

// FailAlways makes every call of op fail with err; nil clears it.
func (f *Fake) FailAlways(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failAlways, op)
		return
	}
	f.failAlways[op] = err
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of calls over all operations.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// enter counts the call and returns a scripted error. Callers hold f.mu.
func (f *Fake) enter(ctx context.Context, op string) error {
	f.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if q := f.failNext[op]; len(q) > 0 {
		f.failNext[op] = q[1:]
		return q[0]
	}
	return f.failAlways[op]
}

func (f *Fake) lookup(ref string) (telegram.RawEntity, bool) {
	ref = strings.TrimSpace(ref)
	for _, prefix := range []string{"https://", "http://", "t.me/", "@"} {
		ref = strings.TrimPrefix(ref, prefix)
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		e, ok := f.entities[id]
		return e, ok
	}
	for _, id := range f.order {
		if e := f.entities[id]; e.Username != "" && strings.EqualFold(e.Username, ref) {
			return e, true
		}
	}
	return telegram.RawEntity{}, false
}

func (f *Fake) ResolveEntity(ctx context.Context, ref string) (*telegram.RawEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, telegram.OpResolve); err != nil {
		return nil, err
	}
	e, ok := f.lookup(ref)
	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", ref, telegram.ErrNotFound)
	}
	return &e, nil
}

func (f *Fake) ResolveUser(ctx context.Context, username string) (*telegram.RawUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, telegram.OpResolveUser); err != nil {
		return nil, err
	}
	u, ok := f.users[strings.ToLower(strings.TrimPrefix(username, "@"))]
	if !ok {
		return nil, fmt.Errorf("resolve user %s: %w", username, telegram.ErrNotFound)
	}
	return &u, nil
}

func (f *Fake) SearchEntities(ctx context.Context, term string, limit int) ([]telegram.RawEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, telegram.OpSearch); err != nil {
		return nil, err
	}

	ids, pinned := f.search[term]
	if !pinned {
		q := strings.ToLower(term)
		for _, id := range f.order {
			e := f.entities[id]
			if strings.Contains(strings.ToLower(e.Username), q) || strings.Contains(strings.ToLower(e.Title), q) {
				ids = append(ids, id)
			}
		}
	}

	var out []telegram.RawEntity
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		if e, ok := f.entities[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *Fake) GetFullMetadata(ctx context.Context, entity *telegram.RawEntity) (*telegram.FullMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, telegram.OpFullMetadata); err != nil {
		return nil, err
	}
	meta, ok := f.meta[entity.ID]
	if !ok {
		meta = telegram.FullMetadata{ParticipantsCount: entity.MembersCount}
	}
	return &meta, nil
}

func (f *Fake) ListParticipants(ctx context.Context, entity *telegram.RawEntity, filter telegram.ParticipantFilter, offset, limit int) ([]telegram.RawUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, telegram.OpParticipants); err != nil {
		return nil, err
	}

	var matched []telegram.RawUser
	for _, u := range f.participants[entity.ID] {
		switch filter.Kind {
		case telegram.FilterAdmins:
			if !u.IsAdmin {
				continue
			}
		case telegram.FilterBots:
			if !u.IsBot {
				continue
			}
		case telegram.FilterSearch:
			q := strings.ToLower(filter.Query)
			if !strings.Contains(strings.ToLower(u.Username), q) && !strings.Contains(strings.ToLower(u.FirstName), q) {
				continue
			}
		}
		matched = append(matched, u)
	}
	return page(matched, offset, limit), nil
}

func (f *Fake) GetMessages(ctx context.Context, entity *telegram.RawEntity, offsetID, limit int) ([]telegram.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, telegram.OpMessages); err != nil {
		return nil, err
	}

	var out []telegram.RawMessage
	for _, m := range f.messages[entity.ID] {
		if offsetID > 0 && m.ID >= offsetID {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *Fake) GetReactors(ctx context.Context, entity *telegram.RawEntity, msgID, limit int) ([]telegram.RawUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, telegram.OpReactors); err != nil {
		return nil, err
	}
	return page(f.reactors[msgKey{entity.ID, msgID}], 0, limit), nil
}

func (f *Fake) GetReplies(ctx context.Context, entity *telegram.RawEntity, msgID, limit int) ([]telegram.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, telegram.OpReplies); err != nil {
		return nil, err
	}
	return page(f.replies[msgKey{entity.ID, msgID}], 0, limit), nil
}

func (f *Fake) JoinEntity(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, telegram.OpJoin); err != nil {
		return err
	}
	e, ok := f.lookup(ref)
	if !ok {
		return fmt.Errorf("join %s: %w", ref, telegram.ErrNotFound)
	}
	return f.join(e.ID)
}

func (f *Fake) JoinByInvite(ctx context.Context, inviteLink string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, telegram.OpJoin); err != nil {
		return err
	}
	id, ok := f.invites[inviteLink]
	if !ok {
		return fmt.Errorf("join invite %s: %w", inviteLink, telegram.ErrNotFound)
	}
	return f.join(id)
}

func (f *Fake) join(id int64) error {
	if f.denied[id] {
		return fmt.Errorf("join %d: %w", id, telegram.ErrPrivateOrForbidden)
	}
	if !f.silent[id] {
		f.memberships[id] = true
	}
	return nil
}

func (f *Fake) ListMemberships(ctx context.Context) ([]telegram.RawEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter(ctx, telegram.OpMemberships); err != nil {
		return nil, err
	}
	var out []telegram.RawEntity
	for _, id := range f.order {
		if f.memberships[id] {
			out = append(out, f.entities[id])
		}
	}
	return out, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]T, end-offset)
	copy(out, items[offset:end])
	return out
}
