package join

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-crawler/internal/clock"
	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/store"
	"github.com/blockedby/tg-crawler/internal/telegram"
	"github.com/blockedby/tg-crawler/internal/telegram/telegramtest"
)

const verifyDelay = 3 * time.Second

type fixture struct {
	fake     *telegramtest.Fake
	clock    *clock.Fake
	entities *store.EntityStore
	manager  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	entities, err := store.OpenEntityStore(filepath.Join(t.TempDir(), store.EntitiesFile), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = entities.Close() })

	fake := telegramtest.New()
	fc := clock.NewFake(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	return &fixture{
		fake:     fake,
		clock:    fc,
		entities: entities,
		manager:  NewManager(fake, entities, verifyDelay, fc, nil),
	}
}

func public(id int64, username string) telegram.RawEntity {
	return telegram.RawEntity{ID: id, Username: username, Title: username, Flags: telegram.EntityFlags{Megagroup: true}}
}

func TestJoin_AlreadyMember(t *testing.T) {
	f := newFixture(t)
	f.fake.AddEntity(public(1, "club"))
	f.fake.SetMember(1)

	res, err := f.manager.Join(context.Background(), "@club")
	require.NoError(t, err)
	assert.Equal(t, AlreadyMember, res.Outcome)
	assert.Equal(t, int64(1), res.EntityID)
	assert.Zero(t, f.fake.Calls(telegram.OpJoin))
}

func TestJoin_ByUsernameVerified(t *testing.T) {
	f := newFixture(t)
	f.fake.AddEntity(public(1, "club"))

	res, err := f.manager.Join(context.Background(), "https://t.me/club")
	require.NoError(t, err)
	assert.Equal(t, Joined, res.Outcome)
	assert.Equal(t, "username", res.Via)
	assert.Equal(t, verifyDelay, f.clock.Slept())
	assert.Equal(t, 2, f.fake.Calls(telegram.OpMemberships))
}

func TestJoin_Unverified(t *testing.T) {
	f := newFixture(t)
	f.fake.AddEntity(public(1, "club"))
	f.fake.SilentJoin(1)

	res, err := f.manager.Join(context.Background(), "club")
	require.ErrorIs(t, err, ErrJoinUnverified)
	assert.NotErrorIs(t, err, ErrJoinDenied)
	assert.Empty(t, res.Outcome)
	assert.Equal(t, 1, f.fake.Calls(telegram.OpJoin))
}

func TestJoin_Denied(t *testing.T) {
	f := newFixture(t)
	f.fake.AddEntity(public(1, "club"))
	f.fake.DenyJoin(1)

	res, err := f.manager.Join(context.Background(), "club")
	require.ErrorIs(t, err, ErrJoinDenied)
	assert.NotErrorIs(t, err, ErrJoinUnverified)
	assert.NotEmpty(t, res.Error)
	assert.Zero(t, f.clock.Slept())
}

func TestJoin_PrivateEntityUsesStoredInvite(t *testing.T) {
	f := newFixture(t)
	f.fake.AddEntity(telegram.RawEntity{ID: 5, Title: "Private club", Flags: telegram.EntityFlags{Megagroup: true}})
	f.fake.AddInvite("https://t.me/+abc", 5)
	require.NoError(t, f.entities.Insert(context.Background(), models.Entity{
		ID:         5,
		Title:      "Private club",
		Type:       models.EntityMegagroup,
		InviteLink: "https://t.me/+abc",
		Category:   models.Unknown,
		Language:   models.Unknown,
	}))

	res, err := f.manager.Join(context.Background(), "5")
	require.NoError(t, err)
	assert.Equal(t, Joined, res.Outcome)
	assert.Equal(t, "invite", res.Via)
}

func TestJoin_PrivateWithoutInviteDenied(t *testing.T) {
	f := newFixture(t)
	f.fake.AddEntity(telegram.RawEntity{ID: 5, Title: "Private club", Flags: telegram.EntityFlags{Megagroup: true}})

	_, err := f.manager.Join(context.Background(), "5")
	require.ErrorIs(t, err, ErrJoinDenied)
	assert.Zero(t, f.fake.Calls(telegram.OpJoin))
}

func TestJoin_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Join(context.Background(), "nobody")
	require.ErrorIs(t, err, telegram.ErrNotFound)
	assert.NotErrorIs(t, err, ErrJoinDenied)
}

func TestJoin_RateLimitedPropagates(t *testing.T) {
	f := newFixture(t)
	f.fake.AddEntity(public(1, "club"))
	f.fake.FailNext(telegram.OpJoin, &telegram.RateLimitedError{Op: telegram.OpJoin, RetryAfter: time.Minute})

	_, err := f.manager.Join(context.Background(), "club")
	assert.True(t, telegram.IsRateLimited(err))
}
