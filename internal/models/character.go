package models

import (
	"time"
)

// Character is the persisted per-character record. Every field besides ID is
// optional: a row is created as an empty placeholder when the identifier space
// grows and is filled in field by field as each upstream is scraped.
type Character struct {
	ID int64 `json:"id" db:"id"`
	// Exists is nil until the profile site has answered, false once it
	// confirmed the character is absent.
	Exists            *bool                  `json:"exists,omitempty" db:"exists_flag"`
	Name              *string                `json:"name,omitempty" db:"name"`
	Title             *string                `json:"title,omitempty" db:"title"`
	Server            *string                `json:"server,omitempty" db:"server"`
	Datacenter        *string                `json:"datacenter,omitempty" db:"datacenter"`
	Region            *string                `json:"region,omitempty" db:"region"`
	FreeCompanyID     *string                `json:"freeCompanyId,omitempty" db:"fc_id"`
	Jobs              map[string]int         `json:"jobs,omitempty" db:"jobs"`
	RankingsID        *int64                 `json:"rankingsId,omitempty" db:"rankings_id"`
	RankingsExists    *bool                  `json:"rankingsExists,omitempty" db:"rankings_exists"`
	Hidden            *bool                  `json:"hidden,omitempty" db:"hidden"`
	Rankings          map[string]ZoneRanking `json:"rankings,omitempty" db:"rankings"`
	ProfileError      *ScrapeError           `json:"profileError,omitempty"`
	RankingsError     *ScrapeError           `json:"rankingsError,omitempty"`
	ScrapedProfileAt  *time.Time             `json:"scrapedProfileAt,omitempty" db:"scraped_profile_at"`
	ScrapedRankingsAt *time.Time             `json:"scrapedRankingsAt,omitempty" db:"scraped_rankings_at"`
	CreatedAt         time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time              `json:"updatedAt" db:"updated_at"`
}

// ScrapeError is the diagnostic kept on a record when an upstream answered
// with something that could not be classified.
type ScrapeError struct {
	Status int    `json:"status" db:"error_status"`
	Body   string `json:"body" db:"error_body"`
}

// Profile is the structured result of parsing one profile page.
type Profile struct {
	Name          string
	Title         string
	Server        string
	Datacenter    string
	Region        string
	FreeCompanyID string
	Jobs          map[string]int
}

// ZoneRanking holds one zone's rankings for a character.
type ZoneRanking struct {
	Difficulty int                `json:"difficulty"`
	Zone       int                `json:"zone"`
	Encounters []EncounterRanking `json:"encounters"`
}

// EncounterRanking is the per-encounter summary extracted from a zone ranking.
type EncounterRanking struct {
	EncounterID   int      `json:"encounter_id"`
	EncounterName string   `json:"encounter_name"`
	BestPercent   *float64 `json:"best_percent,omitempty"`
	MedianPercent *float64 `json:"median_percent,omitempty"`
	TotalKills    int      `json:"total_kills"`
	BestJob       string   `json:"best_job,omitempty"`
}
