// Package models defines the records the crawler discovers and persists.
package models

import (
	"time"
)

// EntityType is the organisational shape of a discovered entity.
type EntityType string

// EntityType constants.
const (
	EntityChannel   EntityType = "channel"
	EntityMegagroup EntityType = "megagroup"
	EntityGroup     EntityType = "group"
	EntityForum     EntityType = "forum"
	EntityUnknown   EntityType = "unknown"
)

// Unknown is the value stored for an undetected language or category.
const Unknown = "unknown"

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityChannel, EntityMegagroup, EntityGroup, EntityForum, EntityUnknown:
		return true
	}
	return false
}

// HasParticipants reports whether members of this type can be listed at all.
// Broadcast channels only expose subscribers to their admins.
func (t EntityType) HasParticipants() bool {
	return t == EntityMegagroup || t == EntityGroup || t == EntityForum
}

// Entity is a discovered channel, supergroup, group or forum.
type Entity struct {
	ID              int64      `json:"entity_id"`
	Username        string     `json:"username,omitempty"`
	Title           string     `json:"title"`
	Type            EntityType `json:"type"`
	MembersCount    int        `json:"members_count"`
	InviteLink      string     `json:"invite_link,omitempty"`
	Description     string     `json:"description,omitempty"`
	IsPublic        bool       `json:"is_public"`
	IsVerified      bool       `json:"is_verified"`
	IsRestricted    bool       `json:"is_restricted"`
	Category        string     `json:"category"`
	Language        string     `json:"language"`
	DiscoveryTerm   string     `json:"discovery_term"`
	DiscoveryDate   time.Time  `json:"discovery_date"`
	LastMessageDate *time.Time `json:"last_message_date,omitempty"`
}

// Ref returns the best reference for resolving the entity on the platform:
// its username when public, otherwise its numeric id.
func (e Entity) Ref() string {
	if e.Username != "" {
		return e.Username
	}
	return formatID(e.ID)
}

// NeedsClassification reports whether any classified field is still unknown.
func (e Entity) NeedsClassification() bool {
	return e.Type == EntityUnknown || e.Type == "" ||
		e.Language == Unknown || e.Language == "" ||
		e.Category == Unknown || e.Category == ""
}
