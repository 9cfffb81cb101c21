package models

import "time"

// Event subjects.
const (
	SubjectEntitiesDiscovered = "entities.discovered"
	SubjectMembersDiscovered  = "members.discovered"
)

// EntityDiscoveredEvent is published once per newly persisted entity.
type EntityDiscoveredEvent struct {
	EntityID     int64      `json:"entity_id"`
	Username     string     `json:"username,omitempty"`
	Title        string     `json:"title"`
	Type         EntityType `json:"type"`
	MembersCount int        `json:"members_count"`
	Category     string     `json:"category"`
	Language     string     `json:"language"`
	Term         string     `json:"term"`
	DiscoveredAt time.Time  `json:"discovered_at"`
}

// NewEntityDiscoveredEvent builds the event for e.
func NewEntityDiscoveredEvent(e Entity) EntityDiscoveredEvent {
	return EntityDiscoveredEvent{
		EntityID:     e.ID,
		Username:     e.Username,
		Title:        e.Title,
		Type:         e.Type,
		MembersCount: e.MembersCount,
		Category:     e.Category,
		Language:     e.Language,
		Term:         e.DiscoveryTerm,
		DiscoveredAt: e.DiscoveryDate,
	}
}

// MembersDiscoveredEvent summarizes one extraction of an entity.
type MembersDiscoveredEvent struct {
	EntityID    int64          `json:"entity_id"`
	Status      string         `json:"status"`
	NewMembers  int            `json:"new_members"`
	NewProbable int            `json:"new_probable"`
	ByStrategy  map[string]int `json:"by_strategy"`
	FinishedAt  time.Time      `json:"finished_at"`
}
