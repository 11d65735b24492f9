package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/character-harvester/internal/errors"
	"github.com/character-harvester/internal/models"
	"github.com/character-harvester/internal/types"
)

// RankingsStatus classifies one answer of the rankings API.
type RankingsStatus int

const (
	RankingsFound RankingsStatus = iota
	RankingsNotFound
	// RankingsBudgetExhausted is the inline {"status":429} point signal.
	RankingsBudgetExhausted
	// RankingsThrottled is a plain HTTP 429.
	RankingsThrottled
	RankingsUnauthorized
	RankingsMalformed
)

func (s RankingsStatus) String() string {
	switch s {
	case RankingsFound:
		return "found"
	case RankingsNotFound:
		return "not_found"
	case RankingsBudgetExhausted:
		return "budget_exhausted"
	case RankingsThrottled:
		return "throttled"
	case RankingsUnauthorized:
		return "unauthorized"
	default:
		return "malformed"
	}
}

// RankingsCharacter is the successful payload for one character.
type RankingsCharacter struct {
	ID          int64
	Name        string
	LodestoneID int64
	CanonicalID int64
	Hidden      bool
	Zones       map[string]models.ZoneRanking
}

// RankingsResult is a classified rankings answer. Body is kept for Malformed.
type RankingsResult struct {
	Status     RankingsStatus
	HTTPStatus int
	Body       []byte
	Character  *RankingsCharacter
	Reason     string
}

// RankingsClientConfig configures a RankingsClient.
type RankingsClientConfig struct {
	APIURL     string
	ZoneIDs    []int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// RankingsClient queries character rankings from the GraphQL API.
type RankingsClient struct {
	apiURL string
	query  string
	client *http.Client
	tokens TokenSource
}

// NewRankingsClient creates a rankings client. Without zone ids it asks for
// the current default zone only.
func NewRankingsClient(cfg RankingsClientConfig, tokens TokenSource) *RankingsClient {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &RankingsClient{
		apiURL: cfg.APIURL,
		query:  characterRankingsQuery(cfg.ZoneIDs),
		client: client,
		tokens: tokens,
	}
}

func characterRankingsQuery(zoneIDs []int) string {
	var zones strings.Builder
	if len(zoneIDs) == 0 {
		zones.WriteString("current: zoneRankings\n")
	}
	ids := append([]int(nil), zoneIDs...)
	sort.Ints(ids)
	for _, id := range ids {
		fmt.Fprintf(&zones, "z%d: zoneRankings(zoneID: %d)\n", id, id)
	}

	return `query($id: Int, $name: String, $server: String, $region: String) {
  characterData {
    character(id: $id, name: $name, serverSlug: $server, serverRegion: $region) {
      id
      name
      lodestoneID
      canonicalID
      hidden
      ` + zones.String() + `    }
  }
}`
}

func targetVariables(t *types.RankingTarget) map[string]interface{} {
	if t.HasExternalID() {
		return map[string]interface{}{"id": t.ExternalID}
	}
	return map[string]interface{}{
		"name":   t.Name,
		"server": t.Server,
		"region": t.Region,
	}
}

// Fetch looks up one character and classifies the answer. Only transport
// failures return an error.
func (c *RankingsClient) Fetch(ctx context.Context, target *types.RankingTarget) (*RankingsResult, error) {
	if target == nil {
		return nil, apperrors.NewInvalidParameterError("target", "rankings lookup needs an external id or name, server and region")
	}

	status, body, err := postGraphQL(ctx, c.client, c.apiURL, c.tokens.Token(), c.query, targetVariables(target))
	var decodeErr *BodyDecodeError
	if errors.As(err, &decodeErr) {
		res := ClassifyRankingsResponse(status, nil)
		if res.Status == RankingsMalformed {
			res.Reason = decodeErr.Error()
		}
		return res, nil
	}
	if err != nil {
		return nil, apperrors.NewUpstreamError("rankings", status, err)
	}
	return ClassifyRankingsResponse(status, body), nil
}

type characterPayload struct {
	CharacterData struct {
		Character map[string]json.RawMessage `json:"character"`
	} `json:"characterData"`
}

type zoneRankingPayload struct {
	Difficulty int `json:"difficulty"`
	Zone       int `json:"zone"`
	Rankings   []struct {
		Encounter struct {
			ID   int    `json:"id"`
			Name string `json:"name"`
		} `json:"encounter"`
		RankPercent   *float64 `json:"rankPercent"`
		MedianPercent *float64 `json:"medianPercent"`
		TotalKills    int      `json:"totalKills"`
		Spec          string   `json:"spec"`
	} `json:"rankings"`
}

// ClassifyRankingsResponse turns a raw rankings answer into a RankingsResult.
// The inline point exhaustion document wins over the HTTP status.
func ClassifyRankingsResponse(httpStatus int, body []byte) *RankingsResult {
	res := &RankingsResult{HTTPStatus: httpStatus, Body: body, Status: RankingsMalformed}

	var env graphQLEnvelope
	decodeErr := json.Unmarshal(body, &env)

	if decodeErr == nil && env.Status != nil && !env.hasData() {
		switch *env.Status {
		case http.StatusTooManyRequests:
			res.Status = RankingsBudgetExhausted
			return res
		case http.StatusUnauthorized:
			res.Status = RankingsUnauthorized
			return res
		}
	}

	switch {
	case httpStatus == http.StatusUnauthorized:
		res.Status = RankingsUnauthorized
		return res
	case httpStatus == http.StatusTooManyRequests:
		res.Status = RankingsThrottled
		return res
	case httpStatus < 200 || httpStatus >= 300:
		res.Reason = fmt.Sprintf("unexpected status %d", httpStatus)
		return res
	case decodeErr != nil:
		res.Reason = "invalid json: " + decodeErr.Error()
		return res
	case !env.hasData():
		res.Reason = "no data"
		if len(env.Errors) > 0 {
			res.Reason = env.Errors[0].Message
		}
		return res
	}

	var payload characterPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		res.Reason = "invalid data: " + err.Error()
		return res
	}
	fields := payload.CharacterData.Character
	if fields == nil {
		res.Status = RankingsNotFound
		return res
	}

	ch, err := decodeCharacter(fields)
	if err != nil {
		res.Reason = err.Error()
		return res
	}
	res.Status = RankingsFound
	res.Character = ch
	return res
}

func decodeCharacter(fields map[string]json.RawMessage) (*RankingsCharacter, error) {
	ch := &RankingsCharacter{Zones: make(map[string]models.ZoneRanking)}
	scalars := map[string]interface{}{
		"id":          &ch.ID,
		"name":        &ch.Name,
		"lodestoneID": &ch.LodestoneID,
		"canonicalID": &ch.CanonicalID,
		"hidden":      &ch.Hidden,
	}

	for key, raw := range fields {
		if dst, ok := scalars[key]; ok {
			if string(raw) == "null" {
				continue
			}
			if err := json.Unmarshal(raw, dst); err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			continue
		}
		if string(raw) == "null" {
			continue
		}

		var zr zoneRankingPayload
		if err := json.Unmarshal(raw, &zr); err != nil {
			return nil, fmt.Errorf("invalid zone rankings %s: %w", key, err)
		}
		ch.Zones[strconv.Itoa(zr.Zone)] = toZoneRanking(zr)
	}
	return ch, nil
}

func toZoneRanking(zr zoneRankingPayload) models.ZoneRanking {
	out := models.ZoneRanking{
		Difficulty: zr.Difficulty,
		Zone:       zr.Zone,
		Encounters: make([]models.EncounterRanking, 0, len(zr.Rankings)),
	}
	for _, r := range zr.Rankings {
		out.Encounters = append(out.Encounters, models.EncounterRanking{
			EncounterID:   r.Encounter.ID,
			EncounterName: r.Encounter.Name,
			BestPercent:   r.RankPercent,
			MedianPercent: r.MedianPercent,
			TotalKills:    r.TotalKills,
			BestJob:       r.Spec,
		})
	}
	return out
}
