// Package types provides common type definitions for the character harvester.
package types

import (
	"fmt"
	"strings"
)

// ScrapeKind identifies which upstream a unit of work is scraped from.
type ScrapeKind string

const (
	// KindProfile is the public character profile site (HTML, soft throttled)
	KindProfile ScrapeKind = "profile"
	// KindRankings is the point-budgeted GraphQL rankings API
	KindRankings ScrapeKind = "rankings"
)

// legacy path names still used by older workers
var kindAliases = map[string]ScrapeKind{
	"profile":   KindProfile,
	"lodestone": KindProfile,
	"rankings":  KindRankings,
	"fflogs":    KindRankings,
}

// ParseScrapeKind maps a path segment or config value onto a ScrapeKind.
func ParseScrapeKind(s string) (ScrapeKind, error) {
	if k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown scrape kind %q", s)
}

// AllKinds returns every supported scrape kind.
func AllKinds() []ScrapeKind {
	return []ScrapeKind{KindProfile, KindRankings}
}

// IsValid reports whether k is a known scrape kind
func (k ScrapeKind) IsValid() bool {
	return k == KindProfile || k == KindRankings
}

func (k ScrapeKind) String() string {
	return string(k)
}

// RankingTarget locates a character on the rankings API. Either ExternalID is
// set, or the Name/Server/Region triple is used for lookup.
type RankingTarget struct {
	ExternalID int64  `json:"external_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Server     string `json:"server,omitempty"`
	Region     string `json:"region,omitempty"`
}

// HasExternalID reports whether the target can be looked up by id
func (t *RankingTarget) HasExternalID() bool {
	return t != nil && t.ExternalID > 0
}

// WorkItem is one unit of scraping work handed out by the lease authority.
type WorkItem struct {
	ID     int64          `json:"id"`
	Kind   ScrapeKind     `json:"kind"`
	Target *RankingTarget `json:"target,omitempty"`
}

func (w WorkItem) String() string {
	return fmt.Sprintf("%s/%d", w.Kind, w.ID)
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
