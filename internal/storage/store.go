package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/character-harvester/internal/lease"
	"github.com/character-harvester/internal/models"
)

// ErrCharacterNotFound is returned by Get for unknown ids.
var ErrCharacterNotFound = errors.New("character not found")

// CharacterStore is the record store shared by the lease server and workers.
type CharacterStore interface {
	lease.CandidateStore

	// BulkUpsert applies all updates in one transaction. Either every update
	// is applied or none is.
	BulkUpsert(ctx context.Context, updates []*models.CharacterUpdate) error
	// Get loads one character.
	Get(ctx context.Context, id int64) (*models.Character, error)
}

// MetadataStore keeps reference data pulled from the rankings API.
type MetadataStore interface {
	UpsertMetadata(ctx context.Context, category string, entries map[string]json.RawMessage) error
	ListMetadata(ctx context.Context, category string) (map[string]json.RawMessage, error)
}

// Metadata categories.
const (
	MetadataZones   = "zones"
	MetadataRegions = "regions"
)

type characterJSON struct {
	jobs     []byte
	rankings []byte
}

func (c characterJSON) decodeInto(ch *models.Character) error {
	if len(c.jobs) > 0 {
		if err := json.Unmarshal(c.jobs, &ch.Jobs); err != nil {
			return fmt.Errorf("failed to decode jobs of character %d: %w", ch.ID, err)
		}
	}
	if len(c.rankings) > 0 {
		if err := json.Unmarshal(c.rankings, &ch.Rankings); err != nil {
			return fmt.Errorf("failed to decode rankings of character %d: %w", ch.ID, err)
		}
	}
	return nil
}

func scrapeError(status *int, body *string) *models.ScrapeError {
	if status == nil && body == nil {
		return nil
	}
	e := &models.ScrapeError{}
	if status != nil {
		e.Status = *status
	}
	if body != nil {
		e.Body = *body
	}
	return e
}
