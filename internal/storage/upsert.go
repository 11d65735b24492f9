package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/character-harvester/internal/models"
)

const charactersTable = "characters"

// sqliteTimeLayout is fixed width so TEXT timestamps compare chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// knownColumns guards the dynamic SQL built from CharacterUpdate column names.
var knownColumns = map[string]bool{
	models.ColExists:              true,
	models.ColName:                true,
	models.ColTitle:               true,
	models.ColServer:              true,
	models.ColDatacenter:          true,
	models.ColRegion:              true,
	models.ColFreeCompanyID:       true,
	models.ColJobs:                true,
	models.ColRankingsID:          true,
	models.ColRankingsExists:      true,
	models.ColHidden:              true,
	models.ColRankings:            true,
	models.ColProfileErrorStatus:  true,
	models.ColProfileErrorBody:    true,
	models.ColRankingsErrorStatus: true,
	models.ColRankingsErrorBody:   true,
	models.ColScrapedProfileAt:    true,
	models.ColScrapedRankingsAt:   true,
}

func (d dialect) placeholder(n int) string {
	if d == dialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

func (d dialect) quote(col string) string {
	if d == dialectPostgres {
		return pgx.Identifier{col}.Sanitize()
	}
	return `"` + col + `"`
}

func (d dialect) value(v interface{}) interface{} {
	if d == dialectSQLite {
		if t, ok := v.(time.Time); ok {
			return formatSQLiteTime(t)
		}
	}
	return v
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

// buildCharacterUpsert renders an INSERT ... ON CONFLICT (id) DO UPDATE that
// only touches the assigned columns. Rows whose assigned columns already hold
// the given values are left alone, so updated_at does not move on a replay.
func buildCharacterUpsert(d dialect, u *models.CharacterUpdate, now time.Time) (string, []interface{}, error) {
	cols := u.Columns()
	for _, c := range cols {
		if !knownColumns[c] {
			return "", nil, fmt.Errorf("unknown column %q in update for character %d", c, u.ID)
		}
	}

	insertCols := make([]string, 0, len(cols)+3)
	placeholders := make([]string, 0, len(cols)+3)
	args := make([]interface{}, 0, len(cols)+3)

	add := func(col string, v interface{}) {
		insertCols = append(insertCols, d.quote(col))
		args = append(args, d.value(v))
		placeholders = append(placeholders, d.placeholder(len(args)))
	}

	add("id", u.ID)
	for _, c := range cols {
		v, _ := u.Value(c)
		add(c, v)
	}
	add("created_at", now)
	add("updated_at", now)

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id)",
		charactersTable, strings.Join(insertCols, ", "), strings.Join(placeholders, ", "))

	if len(cols) == 0 {
		sb.WriteString(" DO NOTHING")
		return sb.String(), args, nil
	}

	sets := make([]string, 0, len(cols)+1)
	changed := make([]string, 0, len(cols))
	for _, c := range cols {
		q := d.quote(c)
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", q, q))
		if d == dialectPostgres {
			changed = append(changed, fmt.Sprintf("%s.%s IS DISTINCT FROM excluded.%s", charactersTable, q, q))
		} else {
			changed = append(changed, fmt.Sprintf("%s.%s IS NOT excluded.%s", charactersTable, q, q))
		}
	}
	sets = append(sets, `"updated_at" = excluded."updated_at"`)

	fmt.Fprintf(&sb, " DO UPDATE SET %s WHERE %s", strings.Join(sets, ", "), strings.Join(changed, " OR "))
	return sb.String(), args, nil
}

// coalesceUpdates merges updates sharing an id, later ones winning, and keeps
// first-seen order. Inputs are not modified.
func coalesceUpdates(updates []*models.CharacterUpdate) []*models.CharacterUpdate {
	byID := make(map[int64]*models.CharacterUpdate, len(updates))
	out := make([]*models.CharacterUpdate, 0, len(updates))
	for _, u := range updates {
		if u == nil {
			continue
		}
		merged, ok := byID[u.ID]
		if !ok {
			merged = models.NewCharacterUpdate(u.ID)
			byID[u.ID] = merged
			out = append(out, merged)
		}
		merged.Merge(u)
	}
	return out
}
