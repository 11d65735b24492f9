package storage

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/character-harvester/internal/errors"
)

func TestMigrationFS_PairsUpAndDown(t *testing.T) {
	ups, err := fs.Glob(migrationFS, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrationFS, "migrations/*.down.sql")
	require.NoError(t, err)

	require.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}

func TestRunMigrations_UnknownDriver(t *testing.T) {
	err := RunMigrations("bogus://localhost/harvester")

	require.Error(t, err)
	assert.Equal(t, apperrors.CategoryDatabase, apperrors.Categorize(err).Category)
}
