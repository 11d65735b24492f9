package bootstrap

import (
	"context"
	"fmt"

	"github.com/character-harvester/internal/logging"
	"github.com/character-harvester/internal/retry"
)

// DefaultSeedChunk is the number of placeholders inserted per statement.
const DefaultSeedChunk = 10000

// PlaceholderStore creates unscraped rows.
type PlaceholderStore interface {
	InsertPlaceholders(ctx context.Context, from, to int64) (int64, error)
}

// Seed creates placeholders for ids 1..n in chunks. Existing rows are kept,
// so seeding again is harmless. Returns the number of rows created.
func Seed(ctx context.Context, store PlaceholderStore, n, chunk int64, cfg *retry.RetryConfig) (int64, error) {
	if n < 1 {
		return 0, fmt.Errorf("seed size must be positive, got %d", n)
	}
	if chunk < 1 {
		chunk = DefaultSeedChunk
	}

	var created int64
	for from := int64(1); from <= n; from += chunk {
		to := from + chunk - 1
		if to > n {
			to = n
		}

		var inserted int64
		err := retry.Do(ctx, cfg, func(ctx context.Context, _ int) error {
			var err error
			inserted, err = store.InsertPlaceholders(ctx, from, to)
			return err
		})
		if err != nil {
			return created, fmt.Errorf("failed to seed ids %d-%d: %w", from, to, err)
		}
		created += inserted

		logging.WithFields(map[string]interface{}{
			"from":    from,
			"to":      to,
			"created": inserted,
		}).Debug("Seeded chunk")
	}

	logging.Infof("Seeded identifier space 1..%d, %d new rows", n, created)
	return created, nil
}
