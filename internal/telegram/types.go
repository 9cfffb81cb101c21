package telegram

import (
	"context"
	"time"
)

// Platform is the messaging-platform capability the crawler consumes.
// Implementations report failures through the error taxonomy in errors.go.
type Platform interface {
	// ResolveEntity resolves a username (with or without @), a t.me link or a
	// numeric id previously seen by the client.
	ResolveEntity(ctx context.Context, ref string) (*RawEntity, error)
	// ResolveUser resolves a username to a user.
	ResolveUser(ctx context.Context, username string) (*RawUser, error)
	// SearchEntities runs a global search for public entities.
	SearchEntities(ctx context.Context, term string, limit int) ([]RawEntity, error)
	// GetFullMetadata fetches the about text, participant count and linked chat.
	GetFullMetadata(ctx context.Context, entity *RawEntity) (*FullMetadata, error)
	// ListParticipants lists one page of participants matching filter.
	ListParticipants(ctx context.Context, entity *RawEntity, filter ParticipantFilter, offset, limit int) ([]RawUser, error)
	// GetMessages returns up to limit messages older than offsetID (0 = newest).
	GetMessages(ctx context.Context, entity *RawEntity, offsetID, limit int) ([]RawMessage, error)
	// GetReactors lists users that reacted to a message.
	GetReactors(ctx context.Context, entity *RawEntity, msgID, limit int) ([]RawUser, error)
	// GetReplies returns the comment/reply thread of a message.
	GetReplies(ctx context.Context, entity *RawEntity, msgID, limit int) ([]RawMessage, error)
	// JoinEntity joins a public entity by username or id.
	JoinEntity(ctx context.Context, ref string) error
	// JoinByInvite joins through an invite link (t.me/+hash or t.me/joinchat/hash).
	JoinByInvite(ctx context.Context, inviteLink string) error
	// ListMemberships lists the entities the logged-in account belongs to.
	ListMemberships(ctx context.Context) ([]RawEntity, error)
}

// EntityFlags are the raw shape indicators reported by the platform.
type EntityFlags struct {
	Broadcast bool // channel broadcast flag
	Megagroup bool // supergroup flag
	Gigagroup bool // broadcast group flag
	Forum     bool // forum flag
	ChatLike  bool // legacy basic group shape
}

// RawEntity is a channel/group as returned by the platform before classification.
type RawEntity struct {
	ID           int64
	AccessHash   int64
	Username     string
	Title        string
	Flags        EntityFlags
	MembersCount int
	Verified     bool
	Restricted   bool
	Left         bool // the logged-in account is not a member
	Date         time.Time
}

// IsPublic reports whether the entity has a public username.
func (e *RawEntity) IsPublic() bool {
	return e.Username != ""
}

// FullMetadata is the extended entity information.
type FullMetadata struct {
	About             string
	ParticipantsCount int
	LinkedChatID      int64 // 0 when there is no linked discussion chat
	InviteLink        string
}

// ParticipantFilter selects which participants ListParticipants returns.
type ParticipantFilter struct {
	Kind  FilterKind
	Query string // used by FilterSearch
}

// FilterKind enumerates participant filters.
type FilterKind int

// FilterKind constants.
const (
	FilterRecent FilterKind = iota
	FilterAdmins
	FilterBots
	FilterSearch
)

// String returns the filter name used in logs.
func (k FilterKind) String() string {
	switch k {
	case FilterRecent:
		return "recent"
	case FilterAdmins:
		return "admins"
	case FilterBots:
		return "bots"
	case FilterSearch:
		return "search"
	}
	return "unknown"
}

// RawUser is a user as returned by the platform.
type RawUser struct {
	ID         int64
	AccessHash int64
	Username   string
	FirstName  string
	LastName   string
	IsBot      bool
	IsAdmin    bool // admin/creator of the entity it was listed for
}

// RawMessage is a message with the user references the crawler mines.
type RawMessage struct {
	ID        int
	Date      time.Time
	Text      string
	Sender    *RawUser // nil for channel posts or unresolved senders
	Forwarded *RawUser // original author of a forwarded message
	// Mentions are plain @username mentions found in the text.
	Mentions []string
	// MentionedUsers are mentions that carry a resolved user.
	MentionedUsers []RawUser
	Reactions      int
	RecentReactors []RawUser
	Replies        int
}

// ParseRef splits an entity reference into a numeric id (0 when the reference
// is a username) and a bare username without @ or t.me prefixes.
func ParseRef(ref string) (id int64, username string) {
	name, id, _ := parseRef(ref)
	return id, name
}
