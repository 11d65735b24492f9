package adapter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/character-harvester/internal/types"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

const foundBody = `{"data":{"characterData":{"character":{
  "id": 9001, "name": "Alpha Beta", "lodestoneID": 42, "canonicalID": 9001, "hidden": false,
  "z54": {"difficulty": 101, "zone": 54, "rankings": [
    {"encounter": {"id": 88, "name": "Boss"}, "rankPercent": 99.5, "medianPercent": 80.25, "totalKills": 3, "spec": "Paladin"},
    {"encounter": {"id": 89, "name": "Other"}, "rankPercent": null, "medianPercent": null, "totalKills": 0, "spec": null}
  ]}
}}}}`

func TestClassifyRankingsResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   RankingsStatus
	}{
		{"found", 200, foundBody, RankingsFound},
		{"unknown character", 200, `{"data":{"characterData":{"character":null}}}`, RankingsNotFound},
		{"inline point exhaustion", 200, `{"status": 429}`, RankingsBudgetExhausted},
		{"inline point exhaustion on 429", 429, `{"status": 429, "error": "Too Many Requests"}`, RankingsBudgetExhausted},
		{"plain 429", 429, `Too Many Requests`, RankingsThrottled},
		{"unauthorized", 401, `{"error":"Unauthenticated."}`, RankingsUnauthorized},
		{"inline unauthorized", 200, `{"status": 401}`, RankingsUnauthorized},
		{"server error", 502, `<html>bad gateway</html>`, RankingsMalformed},
		{"not json", 200, `<html>`, RankingsMalformed},
		{"graphql errors", 200, `{"errors":[{"message":"Invalid server slug"}],"data":null}`, RankingsMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ClassifyRankingsResponse(tt.status, []byte(tt.body))
			assert.Equal(t, tt.want, res.Status, res.Reason)
			assert.Equal(t, tt.status, res.HTTPStatus)
		})
	}
}

func TestClassifyRankingsResponse_DecodesZones(t *testing.T) {
	res := ClassifyRankingsResponse(200, []byte(foundBody))
	require.Equal(t, RankingsFound, res.Status)

	ch := res.Character
	assert.Equal(t, int64(9001), ch.ID)
	assert.Equal(t, int64(42), ch.LodestoneID)
	require.Contains(t, ch.Zones, "54")

	zone := ch.Zones["54"]
	assert.Equal(t, 101, zone.Difficulty)
	require.Len(t, zone.Encounters, 2)
	assert.Equal(t, "Boss", zone.Encounters[0].EncounterName)
	assert.Equal(t, 99.5, *zone.Encounters[0].BestPercent)
	assert.Equal(t, "Paladin", zone.Encounters[0].BestJob)
	assert.Nil(t, zone.Encounters[1].BestPercent)
}

func TestRankingsClient_Fetch(t *testing.T) {
	var got graphQLRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		got = graphQLRequest{}
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(foundBody))
	}))
	defer srv.Close()

	c := NewRankingsClient(RankingsClientConfig{APIURL: srv.URL, ZoneIDs: []int{55, 54}}, staticToken("tok"))

	res, err := c.Fetch(context.Background(), &types.RankingTarget{Name: "Alpha Beta", Server: "gilgamesh", Region: "NA"})
	require.NoError(t, err)
	assert.Equal(t, RankingsFound, res.Status)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, map[string]interface{}{"name": "Alpha Beta", "server": "gilgamesh", "region": "NA"}, got.Variables)
	assert.Contains(t, got.Query, "z54: zoneRankings(zoneID: 54)")
	assert.Contains(t, got.Query, "z55: zoneRankings(zoneID: 55)")

	_, err = c.Fetch(context.Background(), &types.RankingTarget{ExternalID: 9001})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"id": float64(9001)}, got.Variables)
}

func TestRankingsClient_UndecodableBody(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(status)
		_, _ = w.Write([]byte("this is not gzip"))
	}))
	defer srv.Close()
	c := NewRankingsClient(RankingsClientConfig{APIURL: srv.URL}, staticToken("tok"))

	res, err := c.Fetch(context.Background(), &types.RankingTarget{ExternalID: 9001})
	require.NoError(t, err)
	assert.Equal(t, RankingsMalformed, res.Status)
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Contains(t, res.Reason, "undecodable 200 response body")

	status = http.StatusTooManyRequests
	res, err = c.Fetch(context.Background(), &types.RankingTarget{ExternalID: 9001})
	require.NoError(t, err)
	assert.Equal(t, RankingsThrottled, res.Status)
}

func TestRankingsClient_NilTarget(t *testing.T) {
	c := NewRankingsClient(RankingsClientConfig{APIURL: "http://127.0.0.1:1"}, staticToken(""))
	_, err := c.Fetch(context.Background(), nil)
	assert.Error(t, err)
}

func TestCharacterRankingsQuery_DefaultZone(t *testing.T) {
	assert.Contains(t, characterRankingsQuery(nil), "current: zoneRankings")
}
