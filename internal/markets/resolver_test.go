package markets

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsflow/goalbot/internal/exchange"
	"github.com/oddsflow/goalbot/internal/fixtures"
)

type fakeCatalogue struct {
	markets    []exchange.MarketCatalogue
	lastFilter exchange.MarketFilter
}

func (f *fakeCatalogue) MarketCatalogue(_ context.Context, filter exchange.MarketFilter, _ int) ([]exchange.MarketCatalogue, error) {
	f.lastFilter = filter
	return f.markets, nil
}

func underSpec(line string) MarketSpec {
	l, _ := decimal.NewFromString(line)
	return MarketSpec{
		Type:   TypeOverUnder,
		Line:   l,
		Runner: "Under " + l.StringFixed(1) + " Goals",
	}
}

func TestMarketSpecTypeCode(t *testing.T) {
	if got := underSpec("2.5").TypeCode(); got != "OVER_UNDER_25" {
		t.Fatalf("TypeCode = %s, want OVER_UNDER_25", got)
	}
	if got := underSpec("3.5").TypeCode(); got != "OVER_UNDER_35" {
		t.Fatalf("TypeCode = %s, want OVER_UNDER_35", got)
	}
	if got := (MarketSpec{Type: TypeMatchOdds}).TypeCode(); got != "MATCH_ODDS" {
		t.Fatalf("TypeCode = %s, want MATCH_ODDS", got)
	}
}

func TestResolvePicksBestEventAndRunner(t *testing.T) {
	kickoff := time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC)
	catalogue := &fakeCatalogue{markets: []exchange.MarketCatalogue{
		{
			MarketID:   "1.111",
			MarketName: "Over/Under 2.5 Goals",
			Event:      &exchange.Event{ID: "ev-1", Name: "Arsenal Women v Chelsea Women"},
			Runners: []exchange.RunnerCatalog{
				{SelectionID: 1, RunnerName: "Under 2.5 Goals"},
				{SelectionID: 2, RunnerName: "Over 2.5 Goals"},
			},
		},
		{
			MarketID:   "1.222",
			MarketName: "Over/Under 2.5 Goals",
			Event:      &exchange.Event{ID: "ev-2", Name: "Arsenal v Chelsea"},
			Runners: []exchange.RunnerCatalog{
				{SelectionID: 11, RunnerName: "Under 2.5 Goals"},
				{SelectionID: 12, RunnerName: "Over 2.5 Goals"},
			},
		},
	}}
	r := NewResolver(catalogue)

	res, err := r.Resolve(context.Background(), fixtures.Event{
		ID:        "src-9",
		Name:      "Arsenal vs Chelsea",
		Home:      "Arsenal",
		Away:      "Chelsea",
		KickoffAt: kickoff,
	}, underSpec("2.5"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.MarketID != "1.222" {
		t.Fatalf("market = %s, want the closer event name 1.222", res.MarketID)
	}
	if res.SelectionID != 11 || res.SelectionName != "Under 2.5 Goals" {
		t.Fatalf("selection = %d %q, want the under runner", res.SelectionID, res.SelectionName)
	}

	f := catalogue.lastFilter
	if len(f.MarketTypeCodes) != 1 || f.MarketTypeCodes[0] != "OVER_UNDER_25" {
		t.Fatalf("filter types = %v, want OVER_UNDER_25", f.MarketTypeCodes)
	}
	if f.MarketStartTime == nil || !f.MarketStartTime.From.Equal(kickoff.Add(-time.Hour)) {
		t.Fatalf("start-time window = %+v, want kickoff +/- 1h", f.MarketStartTime)
	}
}

func TestResolveRejectsWeakMatches(t *testing.T) {
	catalogue := &fakeCatalogue{markets: []exchange.MarketCatalogue{{
		MarketID: "1.111",
		Event:    &exchange.Event{ID: "ev-1", Name: "Liverpool v Everton"},
		Runners:  []exchange.RunnerCatalog{{SelectionID: 1, RunnerName: "Under 2.5 Goals"}},
	}}}
	r := NewResolver(catalogue)

	_, err := r.Resolve(context.Background(), fixtures.Event{
		ID:        "src-9",
		Name:      "Arsenal v Chelsea",
		Home:      "Arsenal",
		KickoffAt: time.Now(),
	}, underSpec("2.5"))
	if err == nil {
		t.Fatal("expected an error for a dissimilar event name")
	}
}

func TestResolveRejectsMissingRunner(t *testing.T) {
	// the opposite side is the only candidate and its similarity score
	// sits right on the threshold ("2.5" tokenizes to two shared
	// tokens); it must still never be bound
	catalogue := &fakeCatalogue{markets: []exchange.MarketCatalogue{{
		MarketID: "1.111",
		Event:    &exchange.Event{ID: "ev-1", Name: "Arsenal v Chelsea"},
		Runners:  []exchange.RunnerCatalog{{SelectionID: 2, RunnerName: "Over 2.5 Goals"}},
	}}}
	r := NewResolver(catalogue)

	_, err := r.Resolve(context.Background(), fixtures.Event{
		ID:        "src-9",
		Name:      "Arsenal v Chelsea",
		Home:      "Arsenal",
		KickoffAt: time.Now(),
	}, underSpec("2.5"))
	if err == nil {
		t.Fatal("expected an error when the under runner is absent")
	}
}

func TestResolveIgnoresOppositeSideWhateverItsScore(t *testing.T) {
	// guard the assumption behind the previous test: the two sides of
	// the totals market really do score at or above the threshold
	if got := Similarity("Under 2.5 Goals", "Over 2.5 Goals"); got < runnerThreshold {
		t.Fatalf("sides score %.2f, the side guard is load-bearing only at/above %.2f", got, runnerThreshold)
	}

	// the over runner listed first: the under runner must win
	// regardless of catalogue order
	catalogue := &fakeCatalogue{markets: []exchange.MarketCatalogue{{
		MarketID: "1.111",
		Event:    &exchange.Event{ID: "ev-1", Name: "Arsenal v Chelsea"},
		Runners: []exchange.RunnerCatalog{
			{SelectionID: 2, RunnerName: "Over 2.5 Goals"},
			{SelectionID: 1, RunnerName: "Under 2.5 Goals"},
		},
	}}}
	r := NewResolver(catalogue)

	res, err := r.Resolve(context.Background(), fixtures.Event{
		ID:        "src-9",
		Name:      "Arsenal v Chelsea",
		Home:      "Arsenal",
		KickoffAt: time.Now(),
	}, underSpec("2.5"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.SelectionID != 1 || res.SelectionName != "Under 2.5 Goals" {
		t.Fatalf("selection = %d %q, bound the wrong side", res.SelectionID, res.SelectionName)
	}
}
