package types

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScrapeKind(t *testing.T) {
	tests := []struct {
		in      string
		want    ScrapeKind
		wantErr bool
	}{
		{in: "profile", want: KindProfile},
		{in: "lodestone", want: KindProfile},
		{in: " Rankings ", want: KindRankings},
		{in: "fflogs", want: KindRankings},
		{in: "tomestone", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseScrapeKind(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.IsValid())
		})
	}
}

func TestRankingTarget_HasExternalID(t *testing.T) {
	var nilTarget *RankingTarget
	assert.False(t, nilTarget.HasExternalID())
	assert.False(t, (&RankingTarget{Name: "A B"}).HasExternalID())
	assert.True(t, (&RankingTarget{ExternalID: 42}).HasExternalID())
}

func TestParseScrapeKind_Property(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("parsing is case insensitive for known kinds", prop.ForAll(
		func(idx int, upper bool) bool {
			names := []string{"profile", "lodestone", "rankings", "fflogs"}
			name := names[idx]
			if upper {
				name = strings.ToUpper(name)
			}
			k, err := ParseScrapeKind(name)
			return err == nil && k.IsValid()
		},
		gen.IntRange(0, 3),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
