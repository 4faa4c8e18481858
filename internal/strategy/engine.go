// Package strategy drives the goal-reactive trade lifecycle: it polls
// live prices, detects goal-shaped spikes, manages settle windows,
// places and hedges orders, and settles P&L.
package strategy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/oddsflow/goalbot/internal/config"
	"github.com/oddsflow/goalbot/internal/database"
	"github.com/oddsflow/goalbot/internal/exchange"
	"github.com/oddsflow/goalbot/internal/fixtures"
	"github.com/oddsflow/goalbot/internal/markets"
	"github.com/oddsflow/goalbot/internal/notify"
	"github.com/oddsflow/goalbot/internal/status"
)

// Exchange is the slice of the resilient call layer the engine uses.
// *exchange.Caller implements it; tests substitute a fake.
type Exchange interface {
	MarketBook(ctx context.Context, marketID string) (*exchange.MarketBook, error)
	PlaceLimitOrder(ctx context.Context, marketID string, selectionID int64, side exchange.Side, size, price decimal.Decimal, persistence exchange.PersistenceType) (*exchange.PlaceResult, error)
	CancelOrder(ctx context.Context, orderRef, marketID string) error
	VerifyOrderMatched(ctx context.Context, orderRef string, expectedSize decimal.Decimal) (*exchange.MatchResult, error)
}

// Resolver maps a fixture to a concrete market/selection.
type Resolver interface {
	Resolve(ctx context.Context, ev fixtures.Event, spec markets.MarketSpec) (*markets.Resolution, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Engine runs the per-trade state machine over every active trade once
// per scheduler tick. It is driven by a single loop: no internal
// locking, no concurrent ticks.
type Engine struct {
	db       *database.Database
	ex       Exchange
	resolver Resolver
	source   fixtures.Source
	notifier *notify.Telegram
	clock    Clock

	spec          markets.MarketSpec
	fixtureWindow time.Duration
	dryRun        bool

	settings *database.Settings
}

// New wires the engine. A nil clock selects wall time; a nil notifier
// disables notifications.
func New(cfg *config.Config, db *database.Database, ex Exchange, resolver Resolver, source fixtures.Source, notifier *notify.Telegram, clock Clock) *Engine {
	if clock == nil {
		clock = systemClock{}
	}
	return &Engine{
		db:       db,
		ex:       ex,
		resolver: resolver,
		source:   source,
		notifier: notifier,
		clock:    clock,
		spec: markets.MarketSpec{
			Type:   markets.TypeOverUnder,
			Line:   cfg.MarketLine,
			Runner: "Under " + cfg.MarketLine.StringFixed(1) + " Goals",
		},
		fixtureWindow: cfg.FixtureWindow,
		dryRun:        cfg.DryRun,
	}
}

// SyncFixtures discovers upcoming events and seeds a WATCHING trade for
// each new one. A resolution failure skips the event for this pass; it
// is retried on the next sync.
func (e *Engine) SyncFixtures(ctx context.Context) error {
	now := e.clock.Now()
	events, err := e.source.Upcoming(ctx, now, now.Add(e.fixtureWindow))
	if err != nil {
		return err
	}
	tracked, err := e.db.TrackedEventIDs()
	if err != nil {
		return err
	}

	for _, ev := range events {
		if tracked[ev.ID] {
			continue
		}
		res, err := e.resolver.Resolve(ctx, ev, e.spec)
		if err != nil {
			log.Debug().Err(err).Str("event", ev.Name).Msg("Could not resolve market, will retry")
			continue
		}

		trade := &database.Trade{
			ID:            uuid.NewString(),
			EventID:       ev.ID,
			EventName:     ev.Name,
			MarketID:      res.MarketID,
			MarketName:    res.MarketName,
			MarketLine:    e.spec.Line,
			SelectionID:   res.SelectionID,
			SelectionName: res.SelectionName,
			KickoffAt:     ev.KickoffAt,
			Phase:         database.PhaseWatching,
		}
		if err := e.db.CreateTrade(trade); err != nil {
			log.Error().Err(err).Str("event", ev.Name).Msg("Failed to seed trade")
			continue
		}
		e.appendEvent(trade, EventSeeded, map[string]any{
			"event":     ev.Name,
			"market":    res.MarketID,
			"selection": res.SelectionName,
			"kickoff":   ev.KickoffAt,
		})
		log.Info().
			Str("trade", trade.ID).
			Str("event", ev.Name).
			Str("runner", res.SelectionName).
			Time("kickoff", ev.KickoffAt).
			Msg("⚽ Fixture seeded")
	}
	return nil
}

// ProcessCycle runs one tick of the state machine over every active
// trade. A failure in one trade never stops the others.
func (e *Engine) ProcessCycle(ctx context.Context) error {
	settings, err := e.db.GetSettings()
	if err != nil {
		return err
	}
	e.settings = settings

	trades, err := e.db.ActiveTrades()
	if err != nil {
		return err
	}
	status.ActiveTrades.Set(float64(len(trades)))

	for i := range trades {
		t := &trades[i]
		if err := e.processTrade(ctx, t, settings); err != nil {
			log.Error().Err(err).Str("trade", t.ID).Str("phase", t.Phase).Msg("Tick failed")
		}
	}
	return nil
}

// NextWake tells the scheduler whether to poll now, or when to wake.
func (e *Engine) NextWake(now time.Time) (pollNow bool, wakeAt time.Time) {
	trades, err := e.db.ActiveTrades()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load trades for scheduling")
		return false, time.Time{}
	}
	var earliest time.Time
	for _, t := range trades {
		if !t.KickoffAt.After(now) {
			return true, time.Time{}
		}
		if earliest.IsZero() || t.KickoffAt.Before(earliest) {
			earliest = t.KickoffAt
		}
	}
	return false, earliest
}

// PollInterval returns the configured polling interval.
func (e *Engine) PollInterval() time.Duration {
	if e.settings != nil {
		return e.settings.PollInterval()
	}
	return 30 * time.Second
}

// appendEvent writes an audit entry; a logging failure never aborts the
// tick that caused it.
func (e *Engine) appendEvent(t *database.Trade, eventType string, payload map[string]any) {
	if err := e.db.AppendEvent(t.ID, eventType, payload); err != nil {
		log.Error().Err(err).Str("trade", t.ID).Str("event", eventType).Msg("Failed to append trade event")
	}
}

// transition moves a trade to a new phase and records it.
func (e *Engine) transition(t *database.Trade, phase, eventType string, payload map[string]any) {
	from := t.Phase
	t.Phase = phase
	e.appendEvent(t, eventType, payload)
	log.Info().
		Str("trade", t.ID).
		Str("event", t.EventName).
		Str("from", from).
		Str("to", phase).
		Msg("🔄 " + eventType)
	if database.IsTerminal(phase) {
		status.TradesSettled.WithLabelValues(t.SettledReason).Inc()
	}
}
