// Package markets resolves a scheduled event + market descriptor to a
// concrete tradable market and selection on the exchange. The schedule
// source and the exchange do not share identical naming, so both the
// event name and the runner name are fuzzy-matched.
package markets

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/oddsflow/goalbot/internal/exchange"
	"github.com/oddsflow/goalbot/internal/fixtures"
)

// Market descriptor types.
const (
	TypeMatchOdds = "MATCH_ODDS"
	TypeOverUnder = "OVER_UNDER"
)

// MarketSpec describes the market and runner wanted for a trade: the
// match-result market, or a totals market carrying an embedded line
// (e.g. 2.5 goals with runner "Under 2.5 Goals").
type MarketSpec struct {
	Type   string
	Line   decimal.Decimal
	Runner string
}

// TypeCode returns the exchange market type code, embedding the totals
// line (2.5 -> OVER_UNDER_25).
func (s MarketSpec) TypeCode() string {
	if s.Type == TypeOverUnder {
		return fmt.Sprintf("OVER_UNDER_%s", s.Line.Mul(decimal.NewFromInt(10)).StringFixed(0))
	}
	return s.Type
}

// Resolution is a concrete market/selection pair.
type Resolution struct {
	MarketID      string
	MarketName    string
	SelectionID   int64
	SelectionName string
}

// Catalogue is the slice of the call layer the resolver needs.
type Catalogue interface {
	MarketCatalogue(ctx context.Context, filter exchange.MarketFilter, maxResults int) ([]exchange.MarketCatalogue, error)
}

type Resolver struct {
	catalogue Catalogue
}

func NewResolver(catalogue Catalogue) *Resolver {
	return &Resolver{catalogue: catalogue}
}

// minimum name similarity to accept a catalogue entry
const matchThreshold = 0.62

// runner names differ between sides by a single token ("Under 2.5
// Goals" vs "Over 2.5 Goals"), so the runner match is stricter
const runnerThreshold = 0.75

// side tokens that invert a totals runner; a candidate carrying the
// opposite side of the wanted runner is never eligible, whatever its
// similarity score
var sideTokens = map[string]string{"under": "over", "over": "under"}

func wrongSide(want, got map[string]bool) bool {
	for tok, opp := range sideTokens {
		if want[tok] && got[opp] && !got[tok] {
			return true
		}
	}
	return false
}

// Resolve finds the market and selection for an event. Candidates are
// restricted to markets starting within an hour of the scheduled
// kickoff, then the event name and runner name are matched fuzzily.
func (r *Resolver) Resolve(ctx context.Context, ev fixtures.Event, spec MarketSpec) (*Resolution, error) {
	window := &exchange.TimeRange{
		From: ev.KickoffAt.Add(-time.Hour),
		To:   ev.KickoffAt.Add(time.Hour),
	}
	catalogues, err := r.catalogue.MarketCatalogue(ctx, exchange.MarketFilter{
		TextQuery:       ev.Home,
		MarketTypeCodes: []string{spec.TypeCode()},
		MarketStartTime: window,
	}, 25)
	if err != nil {
		return nil, err
	}

	var best *exchange.MarketCatalogue
	bestScore := 0.0
	for i := range catalogues {
		c := &catalogues[i]
		if c.Event == nil {
			continue
		}
		score := Similarity(ev.Name, c.Event.Name)
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	if best == nil || bestScore < matchThreshold {
		return nil, fmt.Errorf("markets: no market matched event %q (best score %.2f)", ev.Name, bestScore)
	}

	runner, runnerScore := bestRunner(best.Runners, spec.Runner)
	if runner == nil || runnerScore < runnerThreshold {
		return nil, fmt.Errorf("markets: no runner matched %q in market %s", spec.Runner, best.MarketID)
	}

	log.Debug().
		Str("event", ev.Name).
		Str("market", best.MarketID).
		Str("runner", runner.RunnerName).
		Float64("score", bestScore).
		Msg("Resolved market")

	return &Resolution{
		MarketID:      best.MarketID,
		MarketName:    best.MarketName,
		SelectionID:   runner.SelectionID,
		SelectionName: runner.RunnerName,
	}, nil
}

func bestRunner(runners []exchange.RunnerCatalog, want string) (*exchange.RunnerCatalog, float64) {
	wantTokens := normalize(want)
	var best *exchange.RunnerCatalog
	bestScore := 0.0
	for i := range runners {
		if wrongSide(wantTokens, normalize(runners[i].RunnerName)) {
			continue
		}
		score := Similarity(want, runners[i].RunnerName)
		if score > bestScore {
			best, bestScore = &runners[i], score
		}
	}
	return best, bestScore
}
