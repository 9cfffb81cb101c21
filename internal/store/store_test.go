package store

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-crawler/internal/models"
)

var discovered = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func sampleEntity(id int64) models.Entity {
	return models.Entity{
		ID:            id,
		Username:      "group" + formatInt(id),
		Title:         "Group, \"quoted\"\nmultiline",
		Type:          models.EntityUnknown,
		MembersCount:  250,
		IsPublic:      true,
		Category:      models.Unknown,
		Language:      models.Unknown,
		DiscoveryTerm: "crypto",
		DiscoveryDate: discovered,
	}
}

func sampleMember(userID, entityID int64) models.Member {
	return models.Member{
		UserID:            userID,
		EntityID:          entityID,
		AccessHash:        -987654321,
		Username:          "user" + formatInt(userID),
		FirstName:         "Ann",
		EntityTitle:       "Group",
		Role:              models.RoleRegular,
		ParticipationType: models.ParticipationActive,
		ExtractionDate:    discovered,
	}
}

func openEntities(t *testing.T, path string) *EntityStore {
	t.Helper()
	s, err := OpenEntityStore(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEntityStore_InsertAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), EntitiesFile)

	s := openEntities(t, path)
	require.NoError(t, s.Insert(ctx, sampleEntity(1001)))
	require.NoError(t, s.Insert(ctx, sampleEntity(1002)))
	assert.True(t, s.Exists(1001))
	assert.False(t, s.Exists(9999))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), strings.Join(entityHeader, ",")+"\n"), "header written once on first insert")
	assert.Equal(t, 1, strings.Count(string(raw), ColEntityID))

	reopened := openEntities(t, path)
	assert.Equal(t, 2, reopened.Len())
	got, ok := reopened.Get(1001)
	require.True(t, ok)
	assert.Equal(t, sampleEntity(1001), got)
}

func TestEntityStore_DuplicateKey(t *testing.T) {
	ctx := context.Background()
	s := openEntities(t, filepath.Join(t.TempDir(), EntitiesFile))

	require.NoError(t, s.Insert(ctx, sampleEntity(7)))
	assert.ErrorIs(t, s.Insert(ctx, sampleEntity(7)), ErrDuplicateKey)

	added, err := s.Add(ctx, sampleEntity(7))
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, s.Len())
}

func TestEntityStore_UsernameUniqueAcrossIDs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), EntitiesFile)
	s, err := OpenEntityStore(path, nil)
	require.NoError(t, err)

	first := sampleEntity(1)
	first.Username = "cryptohub"
	second := sampleEntity(2)
	second.Username = "CryptoHub"

	added, err := s.Add(ctx, first)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.Add(ctx, second)
	assert.ErrorIs(t, err, ErrDuplicateUsername)
	assert.False(t, added)
	assert.ErrorIs(t, s.Insert(ctx, second), ErrDuplicateUsername)
	assert.Equal(t, 1, s.Len())
	assert.False(t, s.Exists(2))

	holder, ok := s.ByUsername("CRYPTOHUB")
	require.True(t, ok)
	assert.Equal(t, int64(1), holder.ID)

	// entities without a username never collide
	for _, id := range []int64{3, 4} {
		e := sampleEntity(id)
		e.Username = ""
		require.NoError(t, s.Insert(ctx, e))
	}
	require.NoError(t, s.Close())

	// a file that already carries the conflict keeps the first holder on load
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.Write(encodeEntity(second)))
	w.Flush()
	require.NoError(t, w.Error())
	require.NoError(t, f.Close())

	reopened := openEntities(t, path)
	assert.Equal(t, 3, reopened.Len())
	assert.False(t, reopened.Exists(2))
}

func TestEntityStore_Update(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), EntitiesFile)
	s := openEntities(t, path)
	require.NoError(t, s.Insert(ctx, sampleEntity(1001)))
	require.NoError(t, s.Insert(ctx, sampleEntity(1002)))

	require.NoError(t, s.Update(ctx, 1001, ColType, string(models.EntityMegagroup)))
	require.NoError(t, s.Update(ctx, 1001, ColMembersCount, "300"))
	require.NoError(t, s.Update(ctx, 1001, ColLastMessageDate, "2024-05-02T08:00:00Z"))

	assert.ErrorIs(t, s.Update(ctx, 1001, ColUsername, "other"), ErrImmutableField)
	assert.ErrorIs(t, s.Update(ctx, 1001, ColDiscoveryDate, "2020-01-01T00:00:00Z"), ErrImmutableField)
	assert.ErrorIs(t, s.Update(ctx, 1001, ColType, "supergroup"), ErrInvalidValue)
	assert.ErrorIs(t, s.Update(ctx, 42, ColType, "channel"), ErrKeyNotFound)

	// appends after a rewrite land in the new file
	require.NoError(t, s.Insert(ctx, sampleEntity(1003)))
	require.NoError(t, s.Close())

	reopened := openEntities(t, path)
	got, ok := reopened.Get(1001)
	require.True(t, ok)
	assert.Equal(t, models.EntityMegagroup, got.Type)
	assert.Equal(t, 300, got.MembersCount)
	assert.Equal(t, "group1001", got.Username)
	assert.Equal(t, discovered, got.DiscoveryDate)
	require.NotNil(t, got.LastMessageDate)
	assert.Equal(t, 3, reopened.Len())

	others, _ := reopened.Get(1002)
	assert.Equal(t, sampleEntity(1002), others)
}

func TestEntityStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), EntitiesFile)
	require.NoError(t, os.WriteFile(path, []byte("id,name\n1,x\n"), 0o644))

	_, err := OpenEntityStore(path, nil)
	assert.ErrorIs(t, err, ErrCorrupt)

	rows := strings.Join(entityHeader, ",") + "\nnot-a-number,u,t,channel,1,,,true,false,false,unknown,unknown,x,,\n"
	require.NoError(t, os.WriteFile(path, []byte(rows), 0o644))
	_, err = OpenEntityStore(path, nil)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestEntityStore_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), EntitiesFile)
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	s := openEntities(t, path)
	require.NoError(t, s.Insert(context.Background(), sampleEntity(1)))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), ColEntityID+","))
}

func TestMemberStore_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), MembersFile)
	s, err := OpenMemberStore(path, nil)
	require.NoError(t, err)
	defer s.Close()

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			added, err := s.Add(ctx, sampleMember(555, 1001))
			assert.NoError(t, err)
			if added {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, inserted)
	assert.Equal(t, 1, s.Len())
	require.NoError(t, s.Close())

	reopened, err := OpenMemberStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 1, reopened.Len())
}

func TestMemberStore_KeyIsUserAndEntity(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemberStore(filepath.Join(t.TempDir(), MembersFile), nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert(ctx, sampleMember(1, 10)))
	require.NoError(t, s.Insert(ctx, sampleMember(1, 20)))
	assert.ErrorIs(t, s.Insert(ctx, sampleMember(1, 10)), ErrDuplicateKey)

	assert.Equal(t, 1, s.CountForEntity(10))
	assert.True(t, s.Exists(models.MemberKey{UserID: 1, EntityID: 20}))
}

func TestMemberStore_Stats(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemberStore(filepath.Join(t.TempDir(), MembersFile), nil)
	require.NoError(t, err)
	defer s.Close()

	bot := sampleMember(2, 10)
	bot.Username = ""
	bot.IsBot, bot.Role = true, models.RoleBot
	fwd := sampleMember(3, 10)
	fwd.ParticipationType = models.ParticipationForwarded
	fwd.IsAdmin, fwd.Role = true, models.RoleAdmin

	for _, m := range []models.Member{sampleMember(1, 10), bot, fwd, sampleMember(1, 11)} {
		require.NoError(t, s.Insert(ctx, m))
	}

	st := s.Stats()
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 3, st.UniqueUsers)
	assert.Equal(t, 2, st.Regular)
	assert.Equal(t, 1, st.Admins)
	assert.Equal(t, 1, st.Bots)
	assert.Equal(t, 1, st.Forwarded)
	assert.Equal(t, 3, st.WithUsername)
}

func TestTable_ClosedAndCanceled(t *testing.T) {
	s := openEntities(t, filepath.Join(t.TempDir(), EntitiesFile))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// a canceled context may still race the writer; either outcome leaves the table consistent
	err := s.Insert(ctx, sampleEntity(1))
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, s.Exists(1))
	}

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Insert(context.Background(), sampleEntity(2)), ErrClosed)
	assert.NoError(t, s.Close(), "close is idempotent")
}
