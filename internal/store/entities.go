package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/models"
)

// ErrDuplicateUsername is returned when another entity id already holds the
// username, compared case-insensitively.
var ErrDuplicateUsername = errors.New("username held by another entity")

// EntitiesFile is the file name of the entity table inside the data dir.
const EntitiesFile = "entities.csv"

// Entity table columns.
const (
	ColEntityID        = "entity_id"
	ColUsername        = "username"
	ColTitle           = "title"
	ColType            = "type"
	ColMembersCount    = "members_count"
	ColInviteLink      = "invite_link"
	ColDescription     = "description"
	ColIsPublic        = "is_public"
	ColIsVerified      = "is_verified"
	ColIsRestricted    = "is_restricted"
	ColCategory        = "category"
	ColLanguage        = "language"
	ColDiscoveryTerm   = "discovery_term"
	ColDiscoveryDate   = "discovery_date"
	ColLastMessageDate = "last_message_date"
)

var entityHeader = []string{
	ColEntityID, ColUsername, ColTitle, ColType, ColMembersCount, ColInviteLink,
	ColDescription, ColIsPublic, ColIsVerified, ColIsRestricted, ColCategory,
	ColLanguage, ColDiscoveryTerm, ColDiscoveryDate, ColLastMessageDate,
}

// EntityStore is the persisted table of discovered entities keyed by id.
type EntityStore struct {
	table *Table[int64, models.Entity]
}

// OpenEntityStore opens (or creates) the entity table at path.
func OpenEntityStore(path string, log *logger.Logger) (*EntityStore, error) {
	t, err := OpenTable(path, Schema[int64, models.Entity]{
		Name:   "entities",
		Header: entityHeader,
		Key:    func(e models.Entity) int64 { return e.ID },
		Encode: encodeEntity,
		Decode: decodeEntity,
		Unique: func(e models.Entity) string { return strings.ToLower(e.Username) },
	}, log)
	if err != nil {
		return nil, err
	}
	return &EntityStore{table: t}, nil
}

// Exists reports whether the entity id is stored.
func (s *EntityStore) Exists(id int64) bool { return s.table.Exists(id) }

// Get returns a stored entity.
func (s *EntityStore) Get(id int64) (models.Entity, bool) { return s.table.Get(id) }

// Insert stores a new entity; ErrDuplicateKey if present, ErrDuplicateUsername
// if another id holds its username.
func (s *EntityStore) Insert(ctx context.Context, e models.Entity) error {
	return usernameErr(s.table.Insert(ctx, e), e)
}

// Add stores e unless already present and reports whether it was new. It
// fails with ErrDuplicateUsername if another id holds the username.
func (s *EntityStore) Add(ctx context.Context, e models.Entity) (bool, error) {
	added, err := s.table.Add(ctx, e)
	return added, usernameErr(err, e)
}

// ByUsername returns the entity holding username, compared case-insensitively.
func (s *EntityStore) ByUsername(username string) (models.Entity, bool) {
	if username == "" {
		return models.Entity{}, false
	}
	for _, e := range s.table.All() {
		if strings.EqualFold(e.Username, username) {
			return e, true
		}
	}
	return models.Entity{}, false
}

func usernameErr(err error, e models.Entity) error {
	if errors.Is(err, ErrDuplicateUnique) {
		return fmt.Errorf("entity %d @%s: %w", e.ID, e.Username, ErrDuplicateUsername)
	}
	return err
}

// All returns every stored entity in discovery order.
func (s *EntityStore) All() []models.Entity { return s.table.All() }

// Len returns the number of stored entities.
func (s *EntityStore) Len() int { return s.table.Len() }

// Path returns the table file path.
func (s *EntityStore) Path() string { return s.table.Path() }

// Close flushes and closes the table.
func (s *EntityStore) Close() error { return s.table.Close() }

// Update sets one classified field of a stored entity. Identity fields
// (entity_id, username, title, discovery_*) are immutable.
func (s *EntityStore) Update(ctx context.Context, id int64, field, value string) error {
	err := s.table.Update(ctx, id, func(e *models.Entity) error {
		return setEntityField(e, field, value)
	})
	if err != nil {
		return fmt.Errorf("update entity %d %s: %w", id, field, err)
	}
	return nil
}

func setEntityField(e *models.Entity, field, value string) error {
	switch field {
	case ColType:
		t := models.EntityType(value)
		if !t.Valid() {
			return fmt.Errorf("%w: type %q", ErrInvalidValue, value)
		}
		e.Type = t
	case ColMembersCount:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: members_count %q", ErrInvalidValue, value)
		}
		e.MembersCount = n
	case ColDescription:
		e.Description = value
	case ColInviteLink:
		e.InviteLink = value
	case ColCategory:
		e.Category = value
	case ColLanguage:
		e.Language = value
	case ColLastMessageDate:
		ts, err := parseOptionalTime(value)
		if err != nil {
			return fmt.Errorf("%w: last_message_date %q", ErrInvalidValue, value)
		}
		e.LastMessageDate = ts
	default:
		return fmt.Errorf("%w: %s", ErrImmutableField, field)
	}
	return nil
}

func encodeEntity(e models.Entity) []string {
	return []string{
		formatInt(e.ID),
		e.Username,
		e.Title,
		string(e.Type),
		strconv.Itoa(e.MembersCount),
		e.InviteLink,
		e.Description,
		strconv.FormatBool(e.IsPublic),
		strconv.FormatBool(e.IsVerified),
		strconv.FormatBool(e.IsRestricted),
		e.Category,
		e.Language,
		e.DiscoveryTerm,
		formatTime(e.DiscoveryDate),
		formatOptionalTime(e.LastMessageDate),
	}
}

func decodeEntity(rec []string) (models.Entity, error) {
	var (
		e   models.Entity
		err error
		p   fieldParser
	)
	e.ID = p.parseInt64(ColEntityID, rec[0])
	e.Username = rec[1]
	e.Title = rec[2]
	e.Type = models.EntityType(rec[3])
	e.MembersCount = p.parseInt(ColMembersCount, rec[4])
	e.InviteLink = rec[5]
	e.Description = rec[6]
	e.IsPublic = p.parseBool(ColIsPublic, rec[7])
	e.IsVerified = p.parseBool(ColIsVerified, rec[8])
	e.IsRestricted = p.parseBool(ColIsRestricted, rec[9])
	e.Category = rec[10]
	e.Language = rec[11]
	e.DiscoveryTerm = rec[12]
	e.DiscoveryDate = p.parseTime(ColDiscoveryDate, rec[13])
	e.LastMessageDate, err = parseOptionalTime(rec[14])
	if err != nil {
		p.fail(ColLastMessageDate, err)
	}
	if !e.Type.Valid() {
		p.fail(ColType, fmt.Errorf("unknown type %q", rec[3]))
	}
	return e, p.err
}

// fieldParser collects the first parse error of a record.
type fieldParser struct {
	err error
}

func (p *fieldParser) fail(col string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("column %s: %w", col, err)
	}
}

func (p *fieldParser) parseInt64(col, v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(col, err)
	}
	return n
}

func (p *fieldParser) parseInt(col, v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(col, err)
	}
	return n
}

func (p *fieldParser) parseBool(col, v string) bool {
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		p.fail(col, err)
	}
	return b
}

func (p *fieldParser) parseTime(col, v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		p.fail(col, err)
	}
	return ts
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseOptionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
