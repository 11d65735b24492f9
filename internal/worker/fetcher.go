package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/character-harvester/internal/adapter"
	"github.com/character-harvester/internal/models"
	"github.com/character-harvester/internal/parser"
	"github.com/character-harvester/internal/ratelimit"
	"github.com/character-harvester/internal/types"
)

// Fetcher scrapes one item from one upstream and classifies the answer.
type Fetcher interface {
	Kind() types.ScrapeKind
	Fetch(ctx context.Context, item types.WorkItem) Outcome
}

// ProfilePageSource downloads profile pages.
type ProfilePageSource interface {
	Fetch(ctx context.Context, id int64) (*adapter.ProfileResponse, error)
}

// ProfileFetcher scrapes the profile site.
type ProfileFetcher struct {
	pages  ProfilePageSource
	worlds atomic.Pointer[parser.WorldDirectory]
	now    func() time.Time
}

// NewProfileFetcher creates a profile fetcher. A nil directory falls back to
// the built-in server list.
func NewProfileFetcher(pages ProfilePageSource, worlds *parser.WorldDirectory) *ProfileFetcher {
	f := &ProfileFetcher{pages: pages, now: time.Now}
	f.SetWorlds(worlds)
	return f
}

// SetWorlds swaps the server directory used for new parses.
func (f *ProfileFetcher) SetWorlds(worlds *parser.WorldDirectory) {
	if worlds == nil {
		worlds = parser.DefaultWorldDirectory()
	}
	f.worlds.Store(worlds)
}

// Kind implements Fetcher.
func (f *ProfileFetcher) Kind() types.ScrapeKind { return types.KindProfile }

// Fetch implements Fetcher.
func (f *ProfileFetcher) Fetch(ctx context.Context, item types.WorkItem) Outcome {
	resp, err := f.pages.Fetch(ctx, item.ID)
	if err != nil {
		// no response to record; try again next cycle
		return throttled(item, 0, err)
	}

	now := f.now()
	if resp.DecodeErr != nil && resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusTooManyRequests {
		return malformed(item, types.KindProfile, resp.StatusCode, resp.DecodeErr.Error(), resp.DecodeErr, now)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		profile, err := parser.ParseProfile(resp.Body, f.worlds.Load())
		if err != nil {
			return malformed(item, types.KindProfile, resp.StatusCode, fmt.Sprintf("%v\n%s", err, resp.Body), err, now)
		}
		u := models.NewCharacterUpdate(item.ID).
			SetProfile(profile).
			ClearError(types.KindProfile).
			StampScraped(types.KindProfile, now)
		return Outcome{Kind: OutcomeSuccess, Item: item, Update: u, StatusCode: resp.StatusCode}

	case http.StatusNotFound:
		u := models.NewCharacterUpdate(item.ID).
			SetExists(false).
			ClearError(types.KindProfile).
			StampScraped(types.KindProfile, now)
		return Outcome{Kind: OutcomeNotFound, Item: item, Update: u, StatusCode: resp.StatusCode}

	case http.StatusTooManyRequests:
		return throttled(item, resp.StatusCode, nil)

	default:
		return malformed(item, types.KindProfile, resp.StatusCode, string(resp.Body),
			fmt.Errorf("unexpected status %d", resp.StatusCode), now)
	}
}

// RankingsSource looks characters up on the rankings API.
type RankingsSource interface {
	Fetch(ctx context.Context, target *types.RankingTarget) (*adapter.RankingsResult, error)
}

// RankingsFetcher scrapes the point-constrained rankings API.
type RankingsFetcher struct {
	rankings RankingsSource
	budget   *ratelimit.PointBudget
	now      func() time.Time
}

// NewRankingsFetcher creates a rankings fetcher gated by budget.
func NewRankingsFetcher(rankings RankingsSource, budget *ratelimit.PointBudget) *RankingsFetcher {
	return &RankingsFetcher{rankings: rankings, budget: budget, now: time.Now}
}

// Kind implements Fetcher.
func (f *RankingsFetcher) Kind() types.ScrapeKind { return types.KindRankings }

// Fetch implements Fetcher. No request is issued while the budget is exhausted.
func (f *RankingsFetcher) Fetch(ctx context.Context, item types.WorkItem) Outcome {
	if !f.budget.Allow() {
		return exhausted(item, 0)
	}
	if item.Target == nil {
		err := errors.New("rankings item without lookup target")
		return malformed(item, types.KindRankings, 0, err.Error(), err, f.now())
	}

	res, err := f.rankings.Fetch(ctx, item.Target)
	if err != nil {
		return throttled(item, 0, err)
	}

	now := f.now()
	switch res.Status {
	case adapter.RankingsFound:
		ch := res.Character
		u := models.NewCharacterUpdate(item.ID).
			SetRankings(ch.ID, ch.Hidden, ch.Zones).
			ClearError(types.KindRankings).
			StampScraped(types.KindRankings, now)
		return Outcome{Kind: OutcomeSuccess, Item: item, Update: u, StatusCode: res.HTTPStatus}

	case adapter.RankingsNotFound:
		u := models.NewCharacterUpdate(item.ID).
			SetRankingsAbsent().
			ClearError(types.KindRankings).
			StampScraped(types.KindRankings, now)
		return Outcome{Kind: OutcomeNotFound, Item: item, Update: u, StatusCode: res.HTTPStatus}

	case adapter.RankingsBudgetExhausted:
		f.budget.MarkExhausted()
		return exhausted(item, res.HTTPStatus)

	case adapter.RankingsThrottled:
		return throttled(item, res.HTTPStatus, nil)

	case adapter.RankingsUnauthorized:
		o := throttled(item, res.HTTPStatus, errors.New("bearer token rejected"))
		o.Unauthorized = true
		return o

	default:
		body := string(res.Body)
		if res.Reason != "" {
			body = res.Reason + "\n" + body
		}
		return malformed(item, types.KindRankings, res.HTTPStatus, body, fmt.Errorf("malformed rankings response: %s", res.Reason), now)
	}
}

func malformed(item types.WorkItem, kind types.ScrapeKind, status int, body string, err error, now time.Time) Outcome {
	u := models.NewCharacterUpdate(item.ID).
		SetError(kind, status, body).
		StampScraped(kind, now)
	return Outcome{Kind: OutcomeMalformed, Item: item, Update: u, StatusCode: status, Err: err}
}
