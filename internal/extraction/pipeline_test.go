package extraction

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-crawler/internal/clock"
	"github.com/blockedby/tg-crawler/internal/config"
	"github.com/blockedby/tg-crawler/internal/models"
	"github.com/blockedby/tg-crawler/internal/store"
	"github.com/blockedby/tg-crawler/internal/telegram"
	"github.com/blockedby/tg-crawler/internal/telegram/telegramtest"
)

var start = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func testTables() config.KeywordTables {
	return config.KeywordTables{
		Categories: []config.Category{{Name: "tech", Keywords: []string{"python"}}},
		Languages:  []config.Language{{Code: "en", Keywords: []string{"the"}}},
	}
}

func baseOptions(strategies ...string) Options {
	return Options{
		ParticipantPageSize:   200,
		MaxParticipants:       1000,
		MessagePageSize:       100,
		MessagePages:          1,
		MentionResolves:       5,
		ReactionMessages:      10,
		ReactorsPerMessage:    50,
		AssociationKeywords:   2,
		AssociationRelated:    1,
		AssociationMinScore:   0.5,
		AssociationSampleSize: 50,
		FallbackAlphabet:      "ab",
		Strategies:            strategies,
	}
}

type fixture struct {
	fake     *telegramtest.Fake
	clock    *clock.Fake
	members  *store.MemberStore
	probable *store.MemberStore
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	members, err := store.OpenMemberStore(filepath.Join(dir, store.MembersFile), nil)
	require.NoError(t, err)
	probable, err := store.OpenMemberStore(filepath.Join(dir, store.ProbableMembersFile), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = members.Close()
		_ = probable.Close()
	})
	return &fixture{
		fake:     telegramtest.New(),
		clock:    clock.NewFake(start),
		members:  members,
		probable: probable,
		dir:      dir,
	}
}

func (f *fixture) pipeline(t *testing.T, platform telegram.Platform, opts Options) *Pipeline {
	t.Helper()
	p, err := NewPipeline(platform, f.members, f.probable, testTables(), opts, f.clock, nil)
	require.NoError(t, err)
	return p
}

func group(id int64, username, title string) telegram.RawEntity {
	return telegram.RawEntity{ID: id, Username: username, Title: title, Flags: telegram.EntityFlags{Megagroup: true}}
}

func entityOf(raw telegram.RawEntity, description string) models.Entity {
	typ := models.EntityMegagroup
	if raw.Flags.Broadcast && !raw.Flags.Megagroup {
		typ = models.EntityChannel
	}
	return models.Entity{ID: raw.ID, Username: raw.Username, Title: raw.Title, Type: typ, Description: description}
}

func user(id int64, username string) telegram.RawUser {
	return telegram.RawUser{ID: id, AccessHash: id * 10, Username: username, FirstName: username}
}

func statusOf(r *Report, name string) Status {
	for _, s := range r.Strategies {
		if s.Name == name {
			return s.Status
		}
	}
	return ""
}

func TestRun_ZeroBudgetMakesNoCalls(t *testing.T) {
	f := newFixture(t)
	raw := group(10, "devs", "Developers")
	f.fake.AddEntity(raw)
	f.fake.AddParticipants(10, user(1, "alice"))
	p := f.pipeline(t, f.fake, baseOptions(config.DefaultStrategies...))

	report, err := p.Run(context.Background(), entityOf(raw, ""), 0)
	require.NoError(t, err)

	assert.Equal(t, StatusPartialTimeout, report.Status)
	assert.Zero(t, report.NewMembers)
	assert.Zero(t, f.fake.TotalCalls())
	assert.Zero(t, f.members.Len())
	require.Len(t, report.Strategies, len(config.DefaultStrategies))
	for _, s := range report.Strategies {
		assert.Equal(t, StatusSkipped, s.Status)
	}
}

func TestRun_DirectAndHistory(t *testing.T) {
	f := newFixture(t)
	raw := group(10, "devs", "Developers")
	f.fake.AddEntity(raw)
	admin := user(2, "bob")
	admin.IsAdmin = true
	f.fake.AddParticipants(10, user(1, "alice"), admin)

	carol := user(5, "carol")
	f.fake.AddUser(carol)
	author := user(4, "dave")
	f.fake.AddMessages(10,
		telegram.RawMessage{ID: 3, Sender: ptr(user(3, "erin"))},
		telegram.RawMessage{ID: 2, Sender: ptr(user(1, "alice")), Forwarded: &author},
		telegram.RawMessage{ID: 1, Sender: ptr(user(3, "erin")), Mentions: []string{"carol", "ghost"}},
	)

	p := f.pipeline(t, f.fake, baseOptions(StrategyDirect, StrategyHistory))
	report, err := p.Run(context.Background(), entityOf(raw, ""), time.Minute)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 5, report.NewMembers)
	assert.Equal(t, 5, report.Seen)
	assert.Equal(t, 5, f.members.CountForEntity(10))

	forwarded, ok := f.members.Get(models.MemberKey{UserID: 4, EntityID: 10})
	require.True(t, ok)
	assert.Equal(t, models.ParticipationForwarded, forwarded.ParticipationType)

	stored, ok := f.members.Get(models.MemberKey{UserID: 2, EntityID: 10})
	require.True(t, ok)
	assert.Equal(t, models.RoleAdmin, stored.Role)
	assert.Equal(t, "Developers", stored.EntityTitle)

	require.Len(t, report.Strategies, 2)
	assert.Equal(t, 2, report.Strategies[0].NewMembers)
	assert.Equal(t, 3, report.Strategies[1].NewMembers)
	assert.Equal(t, 2, f.fake.Calls(telegram.OpResolveUser))
}

func TestRun_RerunAddsNothing(t *testing.T) {
	f := newFixture(t)
	raw := group(10, "devs", "Developers")
	f.fake.AddEntity(raw)
	f.fake.AddParticipants(10, user(1, "alice"), user(2, "bob"))
	f.fake.AddMessages(10, telegram.RawMessage{ID: 1, Sender: ptr(user(3, "erin"))})
	p := f.pipeline(t, f.fake, baseOptions(StrategyDirect, StrategyHistory))

	first, err := p.Run(context.Background(), entityOf(raw, ""), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, first.NewMembers)

	second, err := p.Run(context.Background(), entityOf(raw, ""), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, second.NewMembers)
	assert.Equal(t, 3, second.Seen)
	assert.Equal(t, 3, f.members.Len())
}

func TestRun_LinkedChatAttributedToChannel(t *testing.T) {
	f := newFixture(t)
	channel := telegram.RawEntity{ID: 20, Username: "news", Title: "News", Flags: telegram.EntityFlags{Broadcast: true}}
	f.fake.AddEntity(channel)
	f.fake.AddEntity(group(21, "", "News chat"))
	f.fake.SetMetadata(20, telegram.FullMetadata{LinkedChatID: 21})
	f.fake.AddParticipants(21, user(7, "gina"))
	f.fake.AddMessages(21, telegram.RawMessage{ID: 9, Sender: ptr(user(8, "hank"))})

	p := f.pipeline(t, f.fake, baseOptions(StrategyDirect, StrategyLinked))
	report, err := p.Run(context.Background(), entityOf(channel, ""), time.Minute)
	require.NoError(t, err)

	assert.Equal(t, StatusSkipped, statusOf(report, StrategyDirect))
	assert.Equal(t, StatusCompleted, statusOf(report, StrategyLinked))
	assert.Equal(t, 2, report.NewMembers)

	assert.True(t, f.members.Exists(models.MemberKey{UserID: 7, EntityID: 20}))
	assert.True(t, f.members.Exists(models.MemberKey{UserID: 8, EntityID: 20}))
	assert.False(t, f.members.Exists(models.MemberKey{UserID: 7, EntityID: 21}))

	m, _ := f.members.Get(models.MemberKey{UserID: 7, EntityID: 20})
	assert.Equal(t, "News", m.EntityTitle)
}

func TestRun_LinkedWithoutLinkedChatIsSkipped(t *testing.T) {
	f := newFixture(t)
	channel := telegram.RawEntity{ID: 20, Username: "news", Title: "News", Flags: telegram.EntityFlags{Broadcast: true}}
	f.fake.AddEntity(channel)

	p := f.pipeline(t, f.fake, baseOptions(StrategyLinked))
	report, err := p.Run(context.Background(), entityOf(channel, ""), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, statusOf(report, StrategyLinked))
	assert.Equal(t, StatusCompleted, report.Status)
}

func TestRun_AssociationWritesProbableOnly(t *testing.T) {
	f := newFixture(t)
	raw := group(30, "gophers", "Golang Developers")
	f.fake.AddEntity(raw)
	f.fake.AddParticipants(30, user(1, "alice"))

	f.fake.AddEntity(group(31, "gohub", "Golang Developers Hub"))
	f.fake.AddEntity(group(32, "gomemes", "Golang memes"))
	f.fake.AddEntity(group(33, "cooking", "Cooking recipes"))
	f.fake.AddParticipants(31, user(40, "ivan"), user(41, "judy"), user(1, "alice"))
	f.fake.AddParticipants(32, user(50, "kyle"))
	f.fake.SetSearchResults("golang", 30, 31, 32, 33)
	f.fake.SetSearchResults("developers", 31)

	p := f.pipeline(t, f.fake, baseOptions(StrategyDirect, StrategyAssociation))
	report, err := p.Run(context.Background(), entityOf(raw, "golang golang backend"), time.Minute)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 1, report.NewMembers)
	assert.Equal(t, 2, report.NewProbable)
	assert.Equal(t, 1, f.members.Len())
	assert.Equal(t, 2, f.probable.Len())

	assert.True(t, f.probable.Exists(models.MemberKey{UserID: 40, EntityID: 30}))
	assert.False(t, f.probable.Exists(models.MemberKey{UserID: 1, EntityID: 30}))
	assert.False(t, f.probable.Exists(models.MemberKey{UserID: 50, EntityID: 30}))
	assert.False(t, f.members.Exists(models.MemberKey{UserID: 40, EntityID: 30}))
}

func TestRun_RateLimitedStrategyDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	raw := group(60, "chat", "Chat")
	f.fake.AddEntity(raw)
	f.fake.AddParticipants(60, user(1, "alice"))
	f.fake.FailNext(telegram.OpMessages, &telegram.RateLimitedError{RetryAfter: 30 * time.Second})

	gov := telegram.NewGovernor(telegram.GovernorOptions{Clock: f.clock})
	platform := telegram.NewGoverned(f.fake, gov).WithPolicy(telegram.PolicyFailFast)
	p := f.pipeline(t, platform, baseOptions(StrategyHistory, StrategyDirect))

	report, err := p.Run(context.Background(), entityOf(raw, ""), time.Minute)
	require.NoError(t, err)

	assert.Equal(t, StatusRateLimitedPaused, statusOf(report, StrategyHistory))
	assert.Equal(t, StatusCompleted, statusOf(report, StrategyDirect))
	assert.Equal(t, StatusRateLimitedPaused, report.Status)
	assert.Equal(t, 1, report.NewMembers)
	assert.Equal(t, start.Add(30*time.Second), gov.CooldownUntil(telegram.OpMessages))
	assert.Zero(t, f.clock.Slept())
}

func TestRun_FallbackBelowThreshold(t *testing.T) {
	f := newFixture(t)
	raw := group(70, "club", "Club")
	f.fake.AddEntity(raw)
	root := user(1, "root")
	root.IsAdmin = true
	helper := user(2, "helperbot")
	helper.IsBot = true
	f.fake.AddParticipants(70, root, helper, user(3, "alice"), user(4, "bob"), user(5, "zed"))

	opts := baseOptions(StrategyFallback)
	opts.FallbackThreshold = 10
	p := f.pipeline(t, f.fake, opts)

	report, err := p.Run(context.Background(), entityOf(raw, ""), time.Minute)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, statusOf(report, StrategyFallback))
	assert.Equal(t, 4, report.NewMembers)
	assert.False(t, f.members.Exists(models.MemberKey{UserID: 5, EntityID: 70}))
	// admins, bots, "a", "b"
	assert.Equal(t, 4, f.fake.Calls(telegram.OpParticipants))

	bot, ok := f.members.Get(models.MemberKey{UserID: 2, EntityID: 70})
	require.True(t, ok)
	assert.Equal(t, models.RoleBot, bot.Role)
}

func TestRun_FallbackSkippedAboveThreshold(t *testing.T) {
	f := newFixture(t)
	raw := group(70, "club", "Club")
	f.fake.AddEntity(raw)
	f.fake.AddParticipants(70, user(1, "alice"), user(2, "bob"), user(3, "carl"))

	opts := baseOptions(StrategyDirect, StrategyFallback)
	opts.FallbackThreshold = 2
	p := f.pipeline(t, f.fake, opts)

	report, err := p.Run(context.Background(), entityOf(raw, ""), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, statusOf(report, StrategyFallback))
	assert.Equal(t, 1, f.fake.Calls(telegram.OpParticipants))
}

func TestRun_StopsWhenSufficient(t *testing.T) {
	f := newFixture(t)
	raw := group(80, "big", "Big")
	f.fake.AddEntity(raw)
	f.fake.AddParticipants(80, user(1, "a1"), user(2, "a2"), user(3, "a3"))
	f.fake.AddMessages(80, telegram.RawMessage{ID: 1, Sender: ptr(user(9, "z"))})

	opts := baseOptions(StrategyDirect, StrategyHistory)
	opts.SufficientMembers = 2
	p := f.pipeline(t, f.fake, opts)

	report, err := p.Run(context.Background(), entityOf(raw, ""), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, StatusSkipped, statusOf(report, StrategyHistory))
	assert.Zero(t, f.fake.Calls(telegram.OpMessages))
}

func TestRun_ReactionsAndReplies(t *testing.T) {
	f := newFixture(t)
	raw := telegram.RawEntity{ID: 90, Username: "posts", Title: "Posts", Flags: telegram.EntityFlags{Broadcast: true}}
	f.fake.AddEntity(raw)
	f.fake.AddMessages(90,
		telegram.RawMessage{ID: 2, Reactions: 3, RecentReactors: []telegram.RawUser{user(1, "r1")}, Replies: 1},
		telegram.RawMessage{ID: 1},
	)
	f.fake.SetReactors(90, 2, user(1, "r1"), user(2, "r2"), user(3, "r3"))
	f.fake.SetReplies(90, 2, telegram.RawMessage{ID: 100, Sender: ptr(user(4, "c1"))})

	p := f.pipeline(t, f.fake, baseOptions(StrategyReactions))
	report, err := p.Run(context.Background(), entityOf(raw, ""), time.Minute)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 4, report.NewMembers)
	assert.Equal(t, 1, f.fake.Calls(telegram.OpReactors))
	assert.Equal(t, 1, f.fake.Calls(telegram.OpReplies))
}

func TestRun_ReactorsForbiddenStopsAsking(t *testing.T) {
	f := newFixture(t)
	raw := telegram.RawEntity{ID: 90, Username: "posts", Title: "Posts", Flags: telegram.EntityFlags{Broadcast: true}}
	f.fake.AddEntity(raw)
	f.fake.AddMessages(90,
		telegram.RawMessage{ID: 3, Reactions: 2},
		telegram.RawMessage{ID: 2, Reactions: 2},
		telegram.RawMessage{ID: 1, Reactions: 2},
	)
	f.fake.FailAlways(telegram.OpReactors, telegram.ErrPrivateOrForbidden)

	p := f.pipeline(t, f.fake, baseOptions(StrategyReactions))
	report, err := p.Run(context.Background(), entityOf(raw, ""), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 1, f.fake.Calls(telegram.OpReactors))
}

func TestRun_UnresolvableEntityFails(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, f.fake, baseOptions(StrategyDirect, StrategyHistory))

	report, err := p.Run(context.Background(), models.Entity{ID: 404, Username: "gone"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Status)
	assert.NotEmpty(t, report.Error)
	assert.Equal(t, 1, f.fake.TotalCalls())
}

func TestRun_FailedStrategyDoesNotStopOthers(t *testing.T) {
	f := newFixture(t)
	raw := group(10, "devs", "Developers")
	f.fake.AddEntity(raw)
	f.fake.AddParticipants(10, user(1, "alice"))
	f.fake.FailAlways(telegram.OpMessages, telegram.ErrPrivateOrForbidden)

	p := f.pipeline(t, f.fake, baseOptions(StrategyHistory, StrategyDirect))
	report, err := p.Run(context.Background(), entityOf(raw, ""), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, statusOf(report, StrategyHistory))
	assert.Equal(t, StatusCompleted, statusOf(report, StrategyDirect))
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 1, report.NewMembers)
}

type blockingStrategy struct{}

func (blockingStrategy) Name() string { return "blocking" }

func (blockingStrategy) Run(ctx context.Context, _ *Target, _ *Recorder) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRun_StrategyOverrunningShareTimesOut(t *testing.T) {
	f := newFixture(t)
	raw := group(10, "devs", "Developers")
	f.fake.AddEntity(raw)
	f.fake.AddParticipants(10, user(1, "alice"))

	p := f.pipeline(t, f.fake, baseOptions(StrategyDirect))
	p.strategies = append([]Strategy{blockingStrategy{}}, p.strategies...)

	report, err := p.Run(context.Background(), entityOf(raw, ""), 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusPartialTimeout, report.Status)
	assert.Equal(t, StatusPartialTimeout, statusOf(report, "blocking"))
	assert.Equal(t, StatusCompleted, statusOf(report, StrategyDirect))
	assert.Equal(t, 1, report.NewMembers)
}

func TestRun_ParentCancelReturnsError(t *testing.T) {
	f := newFixture(t)
	raw := group(10, "devs", "Developers")
	f.fake.AddEntity(raw)
	p := f.pipeline(t, f.fake, baseOptions(StrategyDirect))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx, entityOf(raw, ""), time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewPipeline_UnknownStrategy(t *testing.T) {
	f := newFixture(t)
	_, err := NewPipeline(f.fake, f.members, f.probable, testTables(), baseOptions("direct", "bogus"), f.clock, nil)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestNewPipeline_DefaultOrder(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, f.fake, Options{})
	assert.Equal(t, config.DefaultStrategies, p.Strategies())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.MembersDiscoveredEvent
}

func (p *recordingPublisher) PublishMembersDiscovered(_ context.Context, e models.MembersDiscoveredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func TestRun_PublishesSummary(t *testing.T) {
	f := newFixture(t)
	raw := group(10, "devs", "Developers")
	f.fake.AddEntity(raw)
	f.fake.AddParticipants(10, user(1, "alice"), user(2, "bob"))
	pub := &recordingPublisher{}
	p := f.pipeline(t, f.fake, baseOptions(StrategyDirect))
	p.SetPublisher(pub)

	_, err := p.Run(context.Background(), entityOf(raw, ""), time.Minute)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), entityOf(raw, ""), time.Minute)
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, int64(10), pub.events[0].EntityID)
	assert.Equal(t, 2, pub.events[0].NewMembers)
	assert.Equal(t, map[string]int{StrategyDirect: 2}, pub.events[0].ByStrategy)
}

func TestRecorder_RepeatObservationLeavesMemberUntouched(t *testing.T) {
	f := newFixture(t)
	rec := NewRecorder(models.Entity{ID: 10, Title: "Devs"}, f.members, f.probable, f.clock)
	ctx := context.Background()

	added, err := rec.Record(ctx, user(1, "alice"), models.ParticipationActive)
	require.NoError(t, err)
	assert.True(t, added)

	key := models.MemberKey{UserID: 1, EntityID: 10}
	before, ok := f.members.Get(key)
	require.True(t, ok)
	bytesBefore, err := os.ReadFile(f.members.Path())
	require.NoError(t, err)

	admin := user(1, "alice-renamed")
	admin.IsAdmin = true
	f.clock.Advance(time.Hour)
	added, err = rec.Record(ctx, admin, models.ParticipationForwarded)
	require.NoError(t, err)
	assert.False(t, added)

	after, ok := f.members.Get(key)
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.False(t, after.IsAdmin)
	assert.Equal(t, models.RoleRegular, after.Role)

	bytesAfter, err := os.ReadFile(f.members.Path())
	require.NoError(t, err)
	assert.Equal(t, bytesBefore, bytesAfter)

	assert.Equal(t, 1, rec.NewMembers())
	assert.Equal(t, 1, rec.Seen())
}

func TestRecorder_IgnoresZeroID(t *testing.T) {
	f := newFixture(t)
	rec := NewRecorder(models.Entity{ID: 10}, f.members, f.probable, f.clock)
	added, err := rec.Record(context.Background(), telegram.RawUser{}, models.ParticipationActive)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Zero(t, rec.Seen())
}

func ptr[T any](v T) *T { return &v }
