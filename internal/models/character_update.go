package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/character-harvester/internal/types"
)

// Column names of the characters table that a CharacterUpdate may assign.
const (
	ColExists              = "exists_flag"
	ColName                = "name"
	ColTitle               = "title"
	ColServer              = "server"
	ColDatacenter          = "datacenter"
	ColRegion              = "region"
	ColFreeCompanyID       = "fc_id"
	ColJobs                = "jobs"
	ColRankingsID          = "rankings_id"
	ColRankingsExists      = "rankings_exists"
	ColHidden              = "hidden"
	ColRankings            = "rankings"
	ColProfileErrorStatus  = "profile_error_status"
	ColProfileErrorBody    = "profile_error_body"
	ColRankingsErrorStatus = "rankings_error_status"
	ColRankingsErrorBody   = "rankings_error_body"
	ColScrapedProfileAt    = "scraped_profile_at"
	ColScrapedRankingsAt   = "scraped_rankings_at"
)

// JSONColumns are stored as encoded JSON documents.
var JSONColumns = map[string]bool{
	ColJobs:     true,
	ColRankings: true,
}

// maxErrorBody bounds how much of an unexpected response is kept.
const maxErrorBody = 4096

// CharacterUpdate is a keyed partial update. Only assigned columns are
// written; an assigned nil writes SQL NULL. Applying the same update twice
// leaves the row in the same state.
type CharacterUpdate struct {
	ID     int64
	values map[string]interface{}
}

// NewCharacterUpdate starts an empty update for id.
func NewCharacterUpdate(id int64) *CharacterUpdate {
	return &CharacterUpdate{ID: id, values: make(map[string]interface{})}
}

// Set assigns a raw column value.
func (u *CharacterUpdate) Set(column string, value interface{}) *CharacterUpdate {
	u.values[column] = value
	return u
}

// Value returns the assigned value of column and whether it was assigned.
func (u *CharacterUpdate) Value(column string) (interface{}, bool) {
	v, ok := u.values[column]
	return v, ok
}

// Columns returns the assigned columns in a stable order.
func (u *CharacterUpdate) Columns() []string {
	cols := make([]string, 0, len(u.values))
	for c := range u.values {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Len is the number of assigned columns.
func (u *CharacterUpdate) Len() int {
	return len(u.values)
}

// Merge folds other into u; assignments in other win.
func (u *CharacterUpdate) Merge(other *CharacterUpdate) {
	for c, v := range other.values {
		u.values[c] = v
	}
}

// SetExists records whether the profile site knows the character.
func (u *CharacterUpdate) SetExists(exists bool) *CharacterUpdate {
	return u.Set(ColExists, exists)
}

// SetProfile assigns every parsed profile field and marks the character as existing.
func (u *CharacterUpdate) SetProfile(p *Profile) *CharacterUpdate {
	u.SetExists(true)
	u.Set(ColName, p.Name)
	u.Set(ColTitle, nullIfEmpty(p.Title))
	u.Set(ColServer, p.Server)
	u.Set(ColDatacenter, nullIfEmpty(p.Datacenter))
	u.Set(ColRegion, nullIfEmpty(p.Region))
	u.Set(ColFreeCompanyID, nullIfEmpty(p.FreeCompanyID))
	jobs := p.Jobs
	if jobs == nil {
		jobs = map[string]int{}
	}
	u.Set(ColJobs, mustJSON(jobs))
	return u
}

// SetRankings stores a successful rankings lookup.
func (u *CharacterUpdate) SetRankings(rankingsID int64, hidden bool, zones map[string]ZoneRanking) *CharacterUpdate {
	u.Set(ColRankingsExists, true)
	if rankingsID > 0 {
		u.Set(ColRankingsID, rankingsID)
	}
	u.Set(ColHidden, hidden)
	if zones == nil {
		zones = map[string]ZoneRanking{}
	}
	u.Set(ColRankings, mustJSON(zones))
	return u
}

// SetRankingsAbsent records that the rankings API has no such character.
func (u *CharacterUpdate) SetRankingsAbsent() *CharacterUpdate {
	return u.Set(ColRankingsExists, false)
}

// SetError records the raw response of an unclassifiable answer from kind's upstream.
func (u *CharacterUpdate) SetError(kind types.ScrapeKind, status int, body string) *CharacterUpdate {
	body = clipErrorBody(body)
	statusCol, bodyCol := errorColumns(kind)
	u.Set(statusCol, status)
	u.Set(bodyCol, body)
	return u
}

// ClearError removes diagnostics left by an earlier failed scrape of kind.
func (u *CharacterUpdate) ClearError(kind types.ScrapeKind) *CharacterUpdate {
	statusCol, bodyCol := errorColumns(kind)
	u.Set(statusCol, nil)
	u.Set(bodyCol, nil)
	return u
}

// StampScraped sets the freshness timestamp for kind.
func (u *CharacterUpdate) StampScraped(kind types.ScrapeKind, at time.Time) *CharacterUpdate {
	return u.Set(ScrapedColumn(kind), at.UTC())
}

// ScrapedColumn is the freshness timestamp column for kind.
func ScrapedColumn(kind types.ScrapeKind) string {
	if kind == types.KindRankings {
		return ColScrapedRankingsAt
	}
	return ColScrapedProfileAt
}

func errorColumns(kind types.ScrapeKind) (string, string) {
	if kind == types.KindRankings {
		return ColRankingsErrorStatus, ColRankingsErrorBody
	}
	return ColProfileErrorStatus, ColProfileErrorBody
}

// clipErrorBody makes body storable in a TEXT column: valid UTF-8, no NUL
// bytes, at most maxErrorBody bytes and never cut inside a rune.
func clipErrorBody(body string) string {
	body = strings.ToValidUTF8(strings.ReplaceAll(body, "\x00", ""), "\uFFFD")
	if len(body) <= maxErrorBody {
		return body
	}
	n := maxErrorBody
	for n > 0 && !utf8.RuneStart(body[n]) {
		n--
	}
	return body[:n]
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		// maps of plain structs always encode
		panic(err)
	}
	return string(b)
}
