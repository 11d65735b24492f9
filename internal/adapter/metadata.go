package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	apperrors "github.com/character-harvester/internal/errors"
	"github.com/character-harvester/internal/models"
)

const zonesQuery = `{
  worldData {
    expansions {
      id name
      zones { id name difficulties { id name } encounters { id name } }
    }
  }
}`

const regionsQuery = `{
  worldData {
    regions {
      id name slug
      servers(limit: 100, page: 1) { data { id name slug subregion { name } } }
    }
  }
}`

type idName struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type zonesPayload struct {
	WorldData struct {
		Expansions []struct {
			idName
			Zones []struct {
				idName
				Difficulties []idName `json:"difficulties"`
				Encounters   []idName `json:"encounters"`
			} `json:"zones"`
		} `json:"expansions"`
	} `json:"worldData"`
}

type regionsPayload struct {
	WorldData struct {
		Regions []struct {
			idName
			Slug    string `json:"slug"`
			Servers struct {
				Data []struct {
					idName
					Slug      string `json:"slug"`
					Subregion struct {
						Name string `json:"name"`
					} `json:"subregion"`
				} `json:"data"`
			} `json:"servers"`
		} `json:"regions"`
	} `json:"worldData"`
}

// MetadataClient pulls reference data from the rankings API.
type MetadataClient struct {
	apiURL string
	client *http.Client
	tokens TokenSource
}

// NewMetadataClient creates a metadata client.
func NewMetadataClient(apiURL string, client *http.Client, tokens TokenSource) *MetadataClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &MetadataClient{apiURL: apiURL, client: client, tokens: tokens}
}

func (c *MetadataClient) query(ctx context.Context, what, query string, out interface{}) error {
	status, body, err := postGraphQL(ctx, c.client, c.apiURL, c.tokens.Token(), query, nil)
	if err != nil {
		return apperrors.NewUpstreamError("rankings", status, err)
	}
	if status != http.StatusOK {
		return apperrors.NewUpstreamError("rankings", status, fmt.Errorf("%s query returned %d", what, status))
	}
	var env graphQLEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return apperrors.NewUpstreamError("rankings", status, fmt.Errorf("invalid %s response: %w", what, err))
	}
	if !env.hasData() {
		return apperrors.NewUpstreamError("rankings", status, fmt.Errorf("%s query returned no data", what))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return apperrors.NewUpstreamError("rankings", status, fmt.Errorf("invalid %s data: %w", what, err))
	}
	return nil
}

// Zones returns every raid zone keyed by zone id.
func (c *MetadataClient) Zones(ctx context.Context) (map[string]models.ZoneMetadata, error) {
	var p zonesPayload
	if err := c.query(ctx, "zones", zonesQuery, &p); err != nil {
		return nil, err
	}

	out := make(map[string]models.ZoneMetadata)
	for _, exp := range p.WorldData.Expansions {
		for _, z := range exp.Zones {
			zm := models.ZoneMetadata{
				Name:          z.Name,
				ExpansionID:   exp.ID,
				ExpansionName: exp.Name,
				Difficulties:  make(map[string]string, len(z.Difficulties)),
				Encounters:    make(map[string]string, len(z.Encounters)),
			}
			for _, d := range z.Difficulties {
				zm.Difficulties[strconv.Itoa(d.ID)] = d.Name
			}
			for _, e := range z.Encounters {
				zm.Encounters[strconv.Itoa(e.ID)] = e.Name
			}
			out[strconv.Itoa(z.ID)] = zm
		}
	}
	return out, nil
}

// Regions returns every region with its servers, keyed by region id.
func (c *MetadataClient) Regions(ctx context.Context) (map[string]models.RegionMetadata, error) {
	var p regionsPayload
	if err := c.query(ctx, "regions", regionsQuery, &p); err != nil {
		return nil, err
	}

	out := make(map[string]models.RegionMetadata, len(p.WorldData.Regions))
	for _, r := range p.WorldData.Regions {
		rm := models.RegionMetadata{
			Name:    r.Name,
			Slug:    r.Slug,
			Servers: make(map[string]models.ServerMetadata, len(r.Servers.Data)),
		}
		for _, s := range r.Servers.Data {
			rm.Servers[strconv.Itoa(s.ID)] = models.ServerMetadata{
				Name:       s.Name,
				Slug:       s.Slug,
				Datacenter: s.Subregion.Name,
			}
		}
		out[strconv.Itoa(r.ID)] = rm
	}
	return out, nil
}
