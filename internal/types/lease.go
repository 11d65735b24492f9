package types

import (
	"encoding/json"
	"fmt"
)

// RankingLeaseItem is one leased rankings item on the wire.
type RankingLeaseItem struct {
	ID int64 `json:"id"`
	RankingTarget
}

// LeaseBatchResponse is the body of GET /scraping/{kind}/{n}. Items holds bare
// ids for profile and RankingLeaseItem objects for rankings. The remaining
// fields repeat the batch under the key names older workers read.
type LeaseBatchResponse struct {
	Kind             ScrapeKind         `json:"kind"`
	Items            interface{}        `json:"items"`
	LodestoneIndexes []int64            `json:"lodestone_indexes,omitempty"`
	RankingsIDs      []int64            `json:"fflogs_id,omitempty"`
	CharacterData    []RankingLeaseItem `json:"character_data,omitempty"`
}

// NewLeaseBatchResponse renders a leased batch.
func NewLeaseBatchResponse(kind ScrapeKind, items []WorkItem) *LeaseBatchResponse {
	resp := &LeaseBatchResponse{Kind: kind}

	if kind != KindRankings {
		ids := make([]int64, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		resp.Items = ids
		resp.LodestoneIndexes = ids
		return resp
	}

	out := make([]RankingLeaseItem, 0, len(items))
	for _, it := range items {
		li := RankingLeaseItem{ID: it.ID}
		if it.Target != nil {
			li.RankingTarget = *it.Target
		}
		out = append(out, li)
		if li.HasExternalID() {
			resp.RankingsIDs = append(resp.RankingsIDs, li.ExternalID)
		} else {
			resp.CharacterData = append(resp.CharacterData, li)
		}
	}
	resp.Items = out
	return resp
}

// DecodeLeaseItems reads the items of a LeaseBatchResponse body.
func DecodeLeaseItems(kind ScrapeKind, body []byte) ([]WorkItem, error) {
	var wire struct {
		Items json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("invalid lease response: %w", err)
	}
	if len(wire.Items) == 0 || string(wire.Items) == "null" {
		return nil, nil
	}

	if kind != KindRankings {
		var ids []int64
		if err := json.Unmarshal(wire.Items, &ids); err != nil {
			return nil, fmt.Errorf("invalid %s lease items: %w", kind, err)
		}
		items := make([]WorkItem, 0, len(ids))
		for _, id := range ids {
			items = append(items, WorkItem{ID: id, Kind: kind})
		}
		return items, nil
	}

	var leased []RankingLeaseItem
	if err := json.Unmarshal(wire.Items, &leased); err != nil {
		return nil, fmt.Errorf("invalid %s lease items: %w", kind, err)
	}
	items := make([]WorkItem, 0, len(leased))
	for _, li := range leased {
		target := li.RankingTarget
		items = append(items, WorkItem{ID: li.ID, Kind: kind, Target: &target})
	}
	return items, nil
}
