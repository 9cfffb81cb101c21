package crawler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-crawler/internal/clock"
	"github.com/blockedby/tg-crawler/internal/config"
	"github.com/blockedby/tg-crawler/internal/extraction"
	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/store"
	"github.com/blockedby/tg-crawler/internal/telegram"
	"github.com/blockedby/tg-crawler/internal/telegram/telegramtest"
)

var start = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func testConfig(dir string) *config.Config {
	return &config.Config{
		DataDir:  dir,
		Keywords: config.DefaultKeywordTables(),
		Crawl: config.CrawlConfig{
			SearchLimit:     100,
			MessagePageSize: 100,
			MessagePages:    1,
			StrategyBudget:  time.Minute,
			Strategies:      []string{extraction.StrategyDirect, extraction.StrategyHistory},
			Workers:         2,
			RateBurst:       1,
		},
	}
}

type fixture struct {
	fake    *telegramtest.Fake
	clock   *clock.Fake
	cfg     *config.Config
	session *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fake:  telegramtest.New(),
		clock: clock.NewFake(start),
		cfg:   testConfig(t.TempDir()),
	}
	s, err := Open(f.cfg, f.fake, nil, f.clock, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	f.session = s
	return f
}

func group(id int64, username, title string) telegram.RawEntity {
	return telegram.RawEntity{ID: id, Username: username, Title: title, Flags: telegram.EntityFlags{Megagroup: true}}
}

func user(id int64, username string) telegram.RawUser {
	return telegram.RawUser{ID: id, Username: username}
}

func TestSession_SearchPersistsAcrossReopen(t *testing.T) {
	f := newFixture(t)
	f.fake.AddEntity(group(1, "btcchat", "Bitcoin traders"))
	f.fake.AddEntity(group(2, "ethchat", "Ethereum chat"))
	f.fake.SetSearchResults("crypto", 1, 2)

	res, err := f.session.SearchTerm(context.Background(), "crypto", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.New)
	require.NoError(t, f.session.Close())

	reopened, err := Open(f.cfg, f.fake, nil, f.clock, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 2, reopened.Entities().Len())

	res, err = reopened.SearchTerm(context.Background(), "crypto", 0)
	require.NoError(t, err)
	assert.Zero(t, res.New)
	assert.Equal(t, 2, res.Skipped)
}

func TestSession_CorruptStoreFailsOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, store.MembersFile), []byte("garbage\n1\n"), 0o644))

	_, err := Open(testConfig(dir), telegramtest.New(), nil, nil, nil)
	assert.ErrorIs(t, err, store.ErrCorrupt)
}

func TestSession_UnknownStrategyFailsOpen(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Crawl.Strategies = []string{"telepathy"}

	_, err := Open(cfg, telegramtest.New(), nil, nil, nil)
	assert.ErrorIs(t, err, extraction.ErrUnknownStrategy)
}

func TestSession_ExtractTracksUnknownEntity(t *testing.T) {
	f := newFixture(t)
	f.fake.AddEntity(group(10, "devs", "Developers"))
	f.fake.AddParticipants(10, user(1, "alice"), user(2, "bob"))

	report, err := f.session.Extract(context.Background(), "@devs", 0)
	require.NoError(t, err)
	assert.Equal(t, extraction.StatusCompleted, report.Status)
	assert.Equal(t, 2, report.NewMembers)
	assert.True(t, f.session.Entities().Exists(10))
	assert.Equal(t, 2, f.session.Members().CountForEntity(10))
}

func TestSession_ExtractMany(t *testing.T) {
	f := newFixture(t)
	f.fake.AddEntity(group(10, "devs", "Developers"))
	f.fake.AddEntity(group(11, "ops", "Operators"))
	f.fake.AddParticipants(10, user(1, "alice"), user(2, "bob"))
	f.fake.AddParticipants(11, user(1, "alice"), user(3, "carl"))

	reports, err := f.session.ExtractMany(context.Background(), []string{"devs", "ops", "ghost"}, time.Minute)
	require.NoError(t, err)
	require.Len(t, reports, 3)

	failed := 0
	total := 0
	for _, r := range reports {
		if r.Status == extraction.StatusFailed {
			failed++
		}
		total += r.NewMembers
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 4, total)
	assert.Equal(t, 4, f.session.Members().Len())
}

func TestSession_SweepZeroBudget(t *testing.T) {
	f := newFixture(t)
	f.fake.AddEntity(group(10, "devs", "Developers"))
	_, err := f.session.Extract(context.Background(), "devs", time.Minute)
	require.NoError(t, err)
	calls := f.fake.TotalCalls()

	report, err := f.session.Sweep(context.Background(), 0, SweepOptions{})
	require.NoError(t, err)
	assert.True(t, report.TimedOut)
	assert.Equal(t, 1, report.Entities)
	assert.Equal(t, calls, f.fake.TotalCalls())
}

func TestSession_SweepFiltersTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddEntity(group(10, "devs", "Developers"))
	f.fake.AddEntity(group(11, "ops", "Operators"))
	f.fake.AddEntity(telegram.RawEntity{ID: 12, Username: "news", Title: "News", Flags: telegram.EntityFlags{Broadcast: true}})
	f.fake.AddParticipants(10, user(1, "alice"))
	f.fake.AddParticipants(11, user(2, "bob"))
	for _, ref := range []string{"devs", "ops", "news"} {
		_, err := f.session.search.Track(ctx, ref)
		require.NoError(t, err)
	}
	_, err := f.session.Extract(ctx, "devs", time.Minute)
	require.NoError(t, err)

	report, err := f.session.Sweep(ctx, time.Minute, SweepOptions{
		Types:         []models.EntityType{models.EntityMegagroup},
		SkipExtracted: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Entities)
	assert.Equal(t, 1, report.Extracted)
	assert.Equal(t, 1, report.NewMembers)
	assert.False(t, report.TimedOut)
	assert.True(t, f.session.Members().Exists(models.MemberKey{UserID: 2, EntityID: 11}))
}

func TestSession_JoinUsesGovernedPlatform(t *testing.T) {
	f := newFixture(t)
	f.fake.AddEntity(group(10, "devs", "Developers"))

	res, err := f.session.Join(context.Background(), "devs")
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.EntityID)
	assert.Equal(t, 1, f.fake.Calls(telegram.OpJoin))
}

func TestSession_RateLimitCooldownShared(t *testing.T) {
	f := newFixture(t)
	f.fake.AddEntity(group(10, "devs", "Developers"))
	f.fake.FailNext(telegram.OpParticipants, &telegram.RateLimitedError{RetryAfter: time.Minute})

	report, err := f.session.Extract(context.Background(), "devs", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, extraction.StatusRateLimitedPaused, report.Status)
	assert.Equal(t, start.Add(time.Minute), f.session.Governor().CooldownUntil(telegram.OpParticipants))
}

func TestSession_StatsExcludeBots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.AddEntity(group(10, "devs", "Developers"))
	f.fake.AddEntity(group(11, "ops", "Operators"))
	bot := user(9, "helperbot")
	bot.IsBot = true
	f.fake.AddParticipants(10, user(1, "alice"), bot)
	f.fake.AddParticipants(11, user(1, "alice"), bot)

	_, err := f.session.ExtractMany(ctx, []string{"devs", "ops"}, time.Minute)
	require.NoError(t, err)

	st := f.session.Stats()
	assert.Equal(t, 2, st.Entities)
	assert.Equal(t, 2, st.ByType[models.EntityMegagroup])
	assert.Equal(t, 4, st.Members.Total)
	assert.Equal(t, 2, st.Members.Bots)
	assert.Equal(t, 1, st.RegularUsers)
}
