package store

import (
	"context"
	"strconv"

	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/models"
)

// Member table file names inside the data dir. Probable members share the
// schema but live in their own file so they never mix with observed ones.
const (
	MembersFile         = "members.csv"
	ProbableMembersFile = "probable_members.csv"
)

// Member table columns.
const (
	ColUserID            = "user_id"
	ColMemberEntityID    = "entity_id"
	ColAccessHash        = "access_hash"
	ColMemberUsername    = "username"
	ColFirstName         = "first_name"
	ColLastName          = "last_name"
	ColEntityTitle       = "entity_title"
	ColIsBot             = "is_bot"
	ColIsAdmin           = "is_admin"
	ColRole              = "role"
	ColParticipationType = "participation_type"
	ColExtractionDate    = "extraction_date"
)

var memberHeader = []string{
	ColUserID, ColMemberEntityID, ColAccessHash, ColMemberUsername, ColFirstName,
	ColLastName, ColEntityTitle, ColIsBot, ColIsAdmin, ColRole,
	ColParticipationType, ColExtractionDate,
}

// MemberStore is a persisted member table keyed by (user_id, entity_id).
type MemberStore struct {
	table *Table[models.MemberKey, models.Member]
}

// MemberStats summarizes a member table.
type MemberStats struct {
	Total        int `json:"total"`
	UniqueUsers  int `json:"unique_users"`
	Regular      int `json:"regular"`
	Admins       int `json:"admins"`
	Bots         int `json:"bots"`
	Forwarded    int `json:"forwarded"`
	WithUsername int `json:"with_username"`
}

// OpenMemberStore opens (or creates) a member table at path.
func OpenMemberStore(path string, log *logger.Logger) (*MemberStore, error) {
	t, err := OpenTable(path, Schema[models.MemberKey, models.Member]{
		Name:   "members",
		Header: memberHeader,
		Key:    models.Member.Key,
		Encode: encodeMember,
		Decode: decodeMember,
	}, log)
	if err != nil {
		return nil, err
	}
	return &MemberStore{table: t}, nil
}

// Exists reports whether the key is stored.
func (s *MemberStore) Exists(key models.MemberKey) bool { return s.table.Exists(key) }

// Get returns a stored member.
func (s *MemberStore) Get(key models.MemberKey) (models.Member, bool) { return s.table.Get(key) }

// Insert stores a new member; ErrDuplicateKey if present.
func (s *MemberStore) Insert(ctx context.Context, m models.Member) error {
	return s.table.Insert(ctx, m)
}

// Add stores m unless already present and reports whether it was new.
func (s *MemberStore) Add(ctx context.Context, m models.Member) (bool, error) {
	return s.table.Add(ctx, m)
}

// All returns every stored member in insertion order.
func (s *MemberStore) All() []models.Member { return s.table.All() }

// Len returns the number of stored members.
func (s *MemberStore) Len() int { return s.table.Len() }

// Path returns the table file path.
func (s *MemberStore) Path() string { return s.table.Path() }

// Close flushes and closes the table.
func (s *MemberStore) Close() error { return s.table.Close() }

// CountForEntity returns how many members are stored for entityID.
func (s *MemberStore) CountForEntity(entityID int64) int {
	n := 0
	for _, m := range s.table.All() {
		if m.EntityID == entityID {
			n++
		}
	}
	return n
}

// Stats counts members by role. Bots are never counted as regular users.
func (s *MemberStore) Stats() MemberStats {
	var st MemberStats
	users := make(map[int64]struct{})
	for _, m := range s.table.All() {
		st.Total++
		users[m.UserID] = struct{}{}
		switch m.Role {
		case models.RoleAdmin:
			st.Admins++
		case models.RoleBot:
			st.Bots++
		default:
			if !m.IsBot {
				st.Regular++
			} else {
				st.Bots++
			}
		}
		if m.ParticipationType == models.ParticipationForwarded {
			st.Forwarded++
		}
		if m.Username != "" {
			st.WithUsername++
		}
	}
	st.UniqueUsers = len(users)
	return st
}

func encodeMember(m models.Member) []string {
	return []string{
		formatInt(m.UserID),
		formatInt(m.EntityID),
		formatInt(m.AccessHash),
		m.Username,
		m.FirstName,
		m.LastName,
		m.EntityTitle,
		strconv.FormatBool(m.IsBot),
		strconv.FormatBool(m.IsAdmin),
		string(m.Role),
		string(m.ParticipationType),
		formatTime(m.ExtractionDate),
	}
}

func decodeMember(rec []string) (models.Member, error) {
	var (
		m models.Member
		p fieldParser
	)
	m.UserID = p.parseInt64(ColUserID, rec[0])
	m.EntityID = p.parseInt64(ColMemberEntityID, rec[1])
	if rec[2] != "" {
		m.AccessHash = p.parseInt64(ColAccessHash, rec[2])
	}
	m.Username = rec[3]
	m.FirstName = rec[4]
	m.LastName = rec[5]
	m.EntityTitle = rec[6]
	m.IsBot = p.parseBool(ColIsBot, rec[7])
	m.IsAdmin = p.parseBool(ColIsAdmin, rec[8])
	m.Role = models.Role(rec[9])
	if m.Role == "" {
		m.Role = models.DeriveRole(m.IsAdmin, m.IsBot)
	}
	m.ParticipationType = models.ParticipationType(rec[10])
	if m.ParticipationType == "" {
		m.ParticipationType = models.ParticipationActive
	}
	m.ExtractionDate = p.parseTime(ColExtractionDate, rec[11])
	return m, p.err
}
