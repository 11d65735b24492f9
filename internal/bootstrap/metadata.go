// Package bootstrap prepares a record store for harvesting: it seeds the
// identifier space and mirrors reference data from the rankings API.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/character-harvester/internal/logging"
	"github.com/character-harvester/internal/models"
	"github.com/character-harvester/internal/parser"
	"github.com/character-harvester/internal/retry"
	"github.com/character-harvester/internal/storage"
)

// MetadataSource is the reference-data side of the rankings API.
type MetadataSource interface {
	Zones(ctx context.Context) (map[string]models.ZoneMetadata, error)
	Regions(ctx context.Context) (map[string]models.RegionMetadata, error)
}

// MetadataStore persists reference data by category.
type MetadataStore interface {
	UpsertMetadata(ctx context.Context, category string, entries map[string]json.RawMessage) error
	ListMetadata(ctx context.Context, category string) (map[string]json.RawMessage, error)
}

// SyncResult counts what a metadata sync wrote.
type SyncResult struct {
	Zones   int `json:"zones"`
	Regions int `json:"regions"`
	Servers int `json:"servers"`
}

// SyncMetadata copies zones and regions from src into store. Each upstream
// call and each write is retried under cfg; nil uses the default policy.
func SyncMetadata(ctx context.Context, src MetadataSource, store MetadataStore, cfg *retry.RetryConfig) (*SyncResult, error) {
	var zones map[string]models.ZoneMetadata
	err := retry.Do(ctx, cfg, func(ctx context.Context, _ int) error {
		var err error
		zones, err = src.Zones(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch zones: %w", err)
	}

	var regions map[string]models.RegionMetadata
	err = retry.Do(ctx, cfg, func(ctx context.Context, _ int) error {
		var err error
		regions, err = src.Regions(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch regions: %w", err)
	}

	if err := writeCategory(ctx, store, storage.MetadataZones, zones, cfg); err != nil {
		return nil, err
	}
	if err := writeCategory(ctx, store, storage.MetadataRegions, regions, cfg); err != nil {
		return nil, err
	}

	result := &SyncResult{Zones: len(zones), Regions: len(regions)}
	for _, r := range regions {
		result.Servers += len(r.Servers)
	}
	logging.WithFields(map[string]interface{}{
		"zones":   result.Zones,
		"regions": result.Regions,
		"servers": result.Servers,
	}).Info("Metadata synced")
	return result, nil
}

func writeCategory[T any](ctx context.Context, store MetadataStore, category string, entries map[string]T, cfg *retry.RetryConfig) error {
	raw := make(map[string]json.RawMessage, len(entries))
	for key, v := range entries {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s entry %s: %w", category, key, err)
		}
		raw[key] = b
	}
	err := retry.Do(ctx, cfg, func(ctx context.Context, _ int) error {
		return store.UpsertMetadata(ctx, category, raw)
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", category, err)
	}
	return nil
}

// LoadWorldDirectory builds the server directory from synced regions. With
// nothing synced yet it falls back to the built-in directory.
func LoadWorldDirectory(ctx context.Context, store MetadataStore) (*parser.WorldDirectory, error) {
	raw, err := store.ListMetadata(ctx, storage.MetadataRegions)
	if err != nil {
		return nil, fmt.Errorf("failed to list regions: %w", err)
	}
	if len(raw) == 0 {
		logging.Info("No region metadata synced, using built-in world directory")
		return parser.DefaultWorldDirectory(), nil
	}

	regions := make(map[string]models.RegionMetadata, len(raw))
	for id, b := range raw {
		var r models.RegionMetadata
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, fmt.Errorf("invalid region metadata %s: %w", id, err)
		}
		regions[id] = r
	}

	dir := parser.NewWorldDirectory(regions)
	logging.Infof("World directory loaded with %d servers", dir.Len())
	return dir, nil
}
