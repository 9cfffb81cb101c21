package extraction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/blockedby/tg-crawler/internal/clock"
	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/store"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

// ErrNotApplicable is returned by a strategy that cannot run on a target,
// e.g. direct listing of a broadcast channel or linked mining without a
// linked chat.
var ErrNotApplicable = errors.New("strategy not applicable")

// Strategy is one technique for discovering members of a target. Strategies
// write through the Recorder as they go, so partial work survives timeouts.
type Strategy interface {
	Name() string
	Run(ctx context.Context, t *Target, rec *Recorder) error
}

// Target is the entity being mined. Entity receives attribution; Raw is the
// platform entity actually queried, which differs for linked chats.
type Target struct {
	Entity models.Entity
	Raw    *telegram.RawEntity
	// Linked marks a sub-target built for a linked discussion chat.
	Linked bool

	meta     *telegram.FullMetadata
	metaErr  error
	fetched  bool
	messages []telegram.RawMessage
}

// Metadata fetches the target's full metadata once.
func (t *Target) Metadata(ctx context.Context, p telegram.Platform) (*telegram.FullMetadata, error) {
	if !t.fetched {
		t.meta, t.metaErr = p.GetFullMetadata(ctx, t.Raw)
		// a canceled fetch may be retried by a later strategy
		t.fetched = ctx.Err() == nil
	}
	return t.meta, t.metaErr
}

// Recorder persists members observed for one entity and counts them per
// strategy. Confirmed and probable members go to separate stores.
type Recorder struct {
	entity   models.Entity
	members  *store.MemberStore
	probable *store.MemberStore
	clock    clock.Clock

	mu        sync.Mutex
	current   string
	seen      map[int64]struct{}
	newBy     map[string]int
	probBy    map[string]int
	newTotal  int
	probTotal int
}

// NewRecorder creates a recorder attributing members to entity.
func NewRecorder(entity models.Entity, members, probable *store.MemberStore, clk clock.Clock) *Recorder {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Recorder{
		entity:   entity,
		members:  members,
		probable: probable,
		clock:    clk,
		seen:     make(map[int64]struct{}),
		newBy:    make(map[string]int),
		probBy:   make(map[string]int),
	}
}

func (r *Recorder) begin(strategy string) {
	r.mu.Lock()
	r.current = strategy
	r.mu.Unlock()
}

func (r *Recorder) member(u telegram.RawUser, pt models.ParticipationType) models.Member {
	return models.Member{
		UserID:            u.ID,
		EntityID:          r.entity.ID,
		AccessHash:        u.AccessHash,
		Username:          u.Username,
		FirstName:         u.FirstName,
		LastName:          u.LastName,
		EntityTitle:       r.entity.Title,
		IsBot:             u.IsBot,
		IsAdmin:           u.IsAdmin,
		Role:              models.DeriveRole(u.IsAdmin, u.IsBot),
		ParticipationType: pt,
		ExtractionDate:    r.clock.Now().UTC(),
	}
}

// Record stores u as a confirmed member. It reports whether the member was
// new; a known member is left as first recorded.
func (r *Recorder) Record(ctx context.Context, u telegram.RawUser, pt models.ParticipationType) (bool, error) {
	if u.ID == 0 {
		return false, nil
	}
	r.mu.Lock()
	r.seen[u.ID] = struct{}{}
	r.mu.Unlock()

	m := r.member(u, pt)
	added, err := r.members.Add(ctx, m)
	if err != nil {
		return false, err
	}
	if !added {
		return false, nil
	}

	r.mu.Lock()
	r.newBy[r.current]++
	r.newTotal++
	r.mu.Unlock()
	return true, nil
}

// RecordAll records every user, stopping at the first store error.
func (r *Recorder) RecordAll(ctx context.Context, users []telegram.RawUser, pt models.ParticipationType) error {
	for _, u := range users {
		if _, err := r.Record(ctx, u, pt); err != nil {
			return err
		}
	}
	return nil
}

// RecordProbable stores u as a probable member of the entity. Users already
// confirmed for the entity are not duplicated as probable.
func (r *Recorder) RecordProbable(ctx context.Context, u telegram.RawUser) (bool, error) {
	if u.ID == 0 || r.probable == nil {
		return false, nil
	}
	m := r.member(u, models.ParticipationActive)
	if r.members.Exists(m.Key()) {
		return false, nil
	}
	added, err := r.probable.Add(ctx, m)
	if err != nil || !added {
		return false, err
	}
	r.mu.Lock()
	r.probBy[r.current]++
	r.probTotal++
	r.mu.Unlock()
	return true, nil
}

// Seen returns how many distinct users were observed this run, new or not.
func (r *Recorder) Seen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// NewMembers returns the number of confirmed members inserted.
func (r *Recorder) NewMembers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newTotal
}

// NewProbable returns the number of probable members inserted.
func (r *Recorder) NewProbable() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.probTotal
}

func (r *Recorder) counts(strategy string) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newBy[strategy], r.probBy[strategy]
}

// stopFor reports errors that end a strategy's loop immediately.
func stopFor(ctx context.Context, err error) bool {
	return ctx.Err() != nil || telegram.IsRateLimited(err) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func since(c clock.Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
