// Package fixtures supplies upcoming events to seed monitored trades.
package fixtures

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oddsflow/goalbot/internal/exchange"
)

// Event is one scheduled match from the fixture source.
type Event struct {
	ID          string
	Name        string
	Home        string
	Away        string
	Competition string
	KickoffAt   time.Time
}

// Source supplies events kicking off inside a time window.
type Source interface {
	Upcoming(ctx context.Context, from, to time.Time) ([]Event, error)
}

// ExchangeSource discovers fixtures from the exchange's own market
// catalogue: every match-odds market starting inside the window is an
// upcoming event. The soccer event type id is resolved once and cached.
type ExchangeSource struct {
	caller *exchange.Caller

	mu          sync.Mutex
	eventTypeID string
}

func NewExchangeSource(caller *exchange.Caller) *ExchangeSource {
	return &ExchangeSource{caller: caller}
}

func (s *ExchangeSource) soccerTypeID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventTypeID != "" {
		return s.eventTypeID, nil
	}

	types, err := s.caller.EventTypes(ctx, exchange.MarketFilter{})
	if err != nil {
		return "", err
	}
	for _, t := range types {
		if strings.EqualFold(t.EventType.Name, "Soccer") || strings.EqualFold(t.EventType.Name, "Football") {
			s.eventTypeID = t.EventType.ID
			return s.eventTypeID, nil
		}
	}
	return "", errors.New("fixtures: soccer event type not found")
}

// Upcoming lists events with kickoff inside [from, to).
func (s *ExchangeSource) Upcoming(ctx context.Context, from, to time.Time) ([]Event, error) {
	typeID, err := s.soccerTypeID(ctx)
	if err != nil {
		return nil, err
	}

	catalogues, err := s.caller.MarketCatalogue(ctx, exchange.MarketFilter{
		EventTypeIDs:    []string{typeID},
		MarketTypeCodes: []string{"MATCH_ODDS"},
		MarketStartTime: &exchange.TimeRange{From: from, To: to},
	}, 200)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(catalogues))
	var events []Event
	for _, c := range catalogues {
		if c.Event == nil || seen[c.Event.ID] {
			continue
		}
		seen[c.Event.ID] = true

		kickoff := c.Event.OpenDate
		if c.MarketStartTime != nil {
			kickoff = *c.MarketStartTime
		}

		home, away := splitTeams(c.Event.Name)
		events = append(events, Event{
			ID:        c.Event.ID,
			Name:      c.Event.Name,
			Home:      home,
			Away:      away,
			KickoffAt: kickoff,
		})
	}
	return events, nil
}

// splitTeams parses "Home v Away" style event names.
func splitTeams(name string) (home, away string) {
	for _, sep := range []string{" v ", " vs ", " - "} {
		if i := strings.Index(name, sep); i > 0 {
			return strings.TrimSpace(name[:i]), strings.TrimSpace(name[i+len(sep):])
		}
	}
	return name, ""
}
