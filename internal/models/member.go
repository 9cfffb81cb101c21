package models

import (
	"strconv"
	"time"
)

// Role is the derived role of a member within an entity.
type Role string

// Role constants.
const (
	RoleRegular Role = "regular"
	RoleAdmin   Role = "admin"
	RoleBot     Role = "bot"
)

// ParticipationType records how the member was observed.
type ParticipationType string

// ParticipationType constants.
const (
	ParticipationActive    ParticipationType = "active"
	ParticipationForwarded ParticipationType = "forwarded"
)

// DeriveRole maps the admin and bot flags to a role; admin wins over bot.
func DeriveRole(isAdmin, isBot bool) Role {
	switch {
	case isAdmin:
		return RoleAdmin
	case isBot:
		return RoleBot
	default:
		return RoleRegular
	}
}

// MemberKey identifies a member within an entity.
type MemberKey struct {
	UserID   int64
	EntityID int64
}

// Member is a user observed in the context of one entity.
type Member struct {
	UserID            int64
	EntityID          int64
	AccessHash        int64
	Username          string
	FirstName         string
	LastName          string
	EntityTitle       string
	IsBot             bool
	IsAdmin           bool
	Role              Role
	ParticipationType ParticipationType
	ExtractionDate    time.Time
}

// Key returns the dedup key of the member.
func (m Member) Key() MemberKey {
	return MemberKey{UserID: m.UserID, EntityID: m.EntityID}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
