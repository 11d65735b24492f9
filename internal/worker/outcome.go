package worker

import (
	"github.com/character-harvester/internal/models"
	"github.com/character-harvester/internal/types"
)

// OutcomeKind classifies the result of scraping one item.
type OutcomeKind int

const (
	// OutcomeSuccess carries a parsed record update.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeNotFound carries an update marking the character absent.
	OutcomeNotFound
	// OutcomeThrottled sends the item to the retry queue without an update.
	OutcomeThrottled
	// OutcomeBudgetExhausted sends the item to the retry queue and pauses the
	// point-constrained upstream.
	OutcomeBudgetExhausted
	// OutcomeMalformed carries an update recording the unexpected response.
	OutcomeMalformed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeBudgetExhausted:
		return "budget_exhausted"
	case OutcomeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Outcome is the classified result of one fetch.
type Outcome struct {
	Kind OutcomeKind
	Item types.WorkItem
	// Update is set for Success, NotFound and Malformed.
	Update     *models.CharacterUpdate
	StatusCode int
	Err        error
	// Unauthorized marks a Throttled outcome caused by a rejected bearer token.
	Unauthorized bool
}

// Persists reports whether the outcome produces a record update.
func (o Outcome) Persists() bool {
	switch o.Kind {
	case OutcomeSuccess, OutcomeNotFound, OutcomeMalformed:
		return o.Update != nil
	default:
		return false
	}
}

// Retries reports whether the item goes back to the retry queue.
func (o Outcome) Retries() bool {
	return o.Kind == OutcomeThrottled || o.Kind == OutcomeBudgetExhausted
}

func throttled(item types.WorkItem, status int, err error) Outcome {
	return Outcome{Kind: OutcomeThrottled, Item: item, StatusCode: status, Err: err}
}

func exhausted(item types.WorkItem, status int) Outcome {
	return Outcome{Kind: OutcomeBudgetExhausted, Item: item, StatusCode: status}
}
