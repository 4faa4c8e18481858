package strategy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/oddsflow/goalbot/internal/database"
	"github.com/oddsflow/goalbot/internal/exchange"
	"github.com/oddsflow/goalbot/internal/pricing"
	"github.com/oddsflow/goalbot/internal/status"
)

// Trade event types recorded in the append-only audit log.
const (
	EventSeeded         = "SEEDED"
	EventBaselineSet    = "BASELINE_SET"
	EventGoalDetected   = "GOAL_DETECTED"
	EventFalseAlarm     = "FALSE_ALARM"
	EventSkipped        = "SKIPPED"
	EventEntryPlaced    = "ENTRY_PLACED"
	EventEntryFailed    = "ENTRY_FAILED"
	EventEntryMatched   = "ENTRY_MATCHED"
	EventEntryRepriced  = "ENTRY_REPRICED"
	EventEntryCancelled = "ENTRY_CANCEL_REQUESTED"
	EventSecondGoal     = "SECOND_GOAL_SUSPECTED"
	EventStopBaseline   = "STOP_BASELINE_SET"
	EventExitPlaced     = "EXIT_PLACED"
	EventExitFailed     = "EXIT_FAILED"
	EventTradeSettled   = "TRADE_SETTLED"
	EventTradeFailed    = "TRADE_FAILED"
)

// Skip / settlement reason markers.
const (
	ReasonTooLate       = "TOO_LATE"
	ReasonOutOfBand     = "OUT_OF_BAND"
	ReasonTakeProfit    = "TAKE_PROFIT"
	ReasonStopLoss      = "STOP_LOSS"
	ReasonGameEnded     = "GAME_ENDED"
	ReasonMarketClosed  = "MARKET_CLOSED"
	ReasonEntryRejected = "ENTRY_REJECTED"
)

var two = decimal.NewFromInt(2)

// placeOrder submits one leg, or simulates it in dry-run mode.
func (e *Engine) placeOrder(ctx context.Context, t *database.Trade, side exchange.Side, size, price decimal.Decimal) (*exchange.PlaceResult, error) {
	if e.dryRun {
		log.Info().
			Str("trade", t.ID).
			Str("side", string(side)).
			Str("price", price.StringFixed(2)).
			Str("size", size.StringFixed(2)).
			Msg("🧪 DRY RUN: Would place order")
		return &exchange.PlaceResult{
			Status:      "SUCCESS",
			OrderRef:    "dry-" + uuid.NewString(),
			SizeMatched: size,
		}, nil
	}
	return e.ex.PlaceLimitOrder(ctx, t.MarketID, t.SelectionID, side, size, price, exchange.PersistencePersist)
}

// processTrade runs one state-machine tick for a single trade. The
// outer bounds (abandonment ceiling, venue-closed settlement) apply
// regardless of phase.
func (e *Engine) processTrade(ctx context.Context, t *database.Trade, s *database.Settings) error {
	now := e.clock.Now()
	if now.Before(t.KickoffAt) {
		return nil
	}

	// Abandonment ceiling: the game is over, whatever phase we are in.
	if now.Sub(t.KickoffAt) >= s.AbandonAfter() {
		e.forceSettle(t, s, ReasonGameEnded)
		return e.db.SaveTrade(t)
	}

	book, err := e.ex.MarketBook(ctx, t.MarketID)
	if err != nil {
		t.LastError = err.Error()
		if saveErr := e.db.SaveTrade(t); saveErr != nil {
			log.Error().Err(saveErr).Str("trade", t.ID).Msg("Failed to persist tick error")
		}
		return err
	}

	if book.Status == exchange.MarketClosed {
		e.forceSettle(t, s, ReasonMarketClosed)
		return e.db.SaveTrade(t)
	}
	if book.Status == exchange.MarketSuspended {
		// Goals suspend the market; the next tick sees the reopened book.
		log.Debug().Str("trade", t.ID).Msg("Market suspended, skipping tick")
		return nil
	}

	runner := book.FindRunner(t.SelectionID)
	if runner == nil {
		log.Warn().Str("trade", t.ID).Int64("selection", t.SelectionID).Msg("Runner missing from book")
		return nil
	}
	price := runner.BestBack()
	if !price.IsPositive() {
		log.Debug().Str("trade", t.ID).Msg("No liquidity, skipping tick")
		return nil
	}

	switch t.Phase {
	case database.PhaseWatching:
		e.tickWatching(t, s, now, price)
	case database.PhaseGoalWait:
		e.tickGoalWait(ctx, t, s, now, runner, price)
	case database.PhaseLive:
		e.tickLive(ctx, t, s, now, runner, price)
	case database.PhaseStopLossWait:
		e.tickStopLossWait(t, s, now, price)
	case database.PhaseStopLossActive:
		e.tickStopLossActive(ctx, t, s, runner, price)
	}

	return e.db.SaveTrade(t)
}

// tickWatching records the baseline on the first in-play observation and
// watches for a goal-shaped rise against it.
func (e *Engine) tickWatching(t *database.Trade, s *database.Settings, now time.Time, price decimal.Decimal) {
	if t.BaselinePrice.IsZero() {
		t.BaselinePrice = price
		e.appendEvent(t, EventBaselineSet, map[string]any{"price": price})
		return
	}

	rise := price.Sub(t.BaselinePrice).Div(t.BaselinePrice)
	if rise.LessThan(s.SpikePct) {
		return
	}

	minute := int(now.Sub(t.KickoffAt).Minutes())
	if minute > s.GoalCutoffMinute {
		t.SettledReason = ReasonTooLate
		e.transition(t, database.PhaseSkipped, EventSkipped, map[string]any{
			"reason": ReasonTooLate,
			"minute": minute,
			"price":  price,
		})
		e.notifier.TradeSkipped(t, ReasonTooLate)
		return
	}

	spikeAt := now
	t.SpikePrice = price
	t.SpikeAt = &spikeAt
	e.transition(t, database.PhaseGoalWait, EventGoalDetected, map[string]any{
		"baseline": t.BaselinePrice,
		"price":    price,
		"minute":   minute,
	})
}

// tickGoalWait holds the settle window. A retrace below half the
// detection threshold is a false alarm and the single backward edge of
// the machine; once the window elapses the entry decision is made.
func (e *Engine) tickGoalWait(ctx context.Context, t *database.Trade, s *database.Settings, now time.Time, runner *exchange.Runner, price decimal.Decimal) {
	rise := price.Sub(t.BaselinePrice).Div(t.BaselinePrice)

	if now.Before(t.SpikeAt.Add(s.SettleWindow())) {
		if rise.LessThanOrEqual(s.SpikePct.Div(two)) {
			t.BaselinePrice = price
			t.SpikePrice = decimal.Zero
			t.SpikeAt = nil
			e.transition(t, database.PhaseWatching, EventFalseAlarm, map[string]any{"price": price})
		}
		return
	}

	t.SettledPrice = price
	if price.LessThan(s.EntryBandMin) || price.GreaterThan(s.EntryBandMax) {
		t.SettledReason = ReasonOutOfBand
		e.transition(t, database.PhaseSkipped, EventSkipped, map[string]any{
			"reason": ReasonOutOfBand,
			"price":  price,
			"band":   []decimal.Decimal{s.EntryBandMin, s.EntryBandMax},
		})
		e.notifier.TradeSkipped(t, ReasonOutOfBand)
		return
	}

	entry := entryPrice(runner)
	result, err := e.placeOrder(ctx, t, exchange.SideBack, s.StakeSize, entry)
	if err != nil {
		e.entryFailed(t, s, err.Error())
		return
	}
	if !result.Placed() {
		e.entryFailed(t, s, result.ErrorCode)
		return
	}

	status.Orders.WithLabelValues(string(exchange.SideBack), "success").Inc()
	t.BackPrice = entry
	t.BackStake = s.StakeSize
	t.BackOrderRef = result.OrderRef
	t.BackMatched = result.SizeMatched.GreaterThanOrEqual(s.StakeSize)
	if t.BackMatched {
		t.BackFilled = s.StakeSize
	}
	t.LastStablePrice = price
	t.LastError = ""
	e.transition(t, database.PhaseLive, EventEntryPlaced, map[string]any{
		"price":     entry,
		"stake":     s.StakeSize,
		"order_ref": result.OrderRef,
		"matched":   result.SizeMatched,
	})
	e.notifier.TradeOpened(t)
}

// entryPrice chooses the entry: the passive lay-side price when the
// spread is a tick or narrower, otherwise the ticked mid-price.
func entryPrice(runner *exchange.Runner) decimal.Decimal {
	back, lay := runner.BestBack(), runner.BestLay()
	if !lay.IsPositive() {
		return pricing.SnapDown(back)
	}
	if pricing.SpreadWithinOneTick(back, lay) {
		return pricing.SnapDown(lay)
	}
	return pricing.Mid(back, lay)
}

// entryFailed records a rejected placement. The trade stays in GOAL_WAIT
// for the next tick until the attempt budget is spent, then fails.
func (e *Engine) entryFailed(t *database.Trade, s *database.Settings, code string) {
	status.Orders.WithLabelValues(string(exchange.SideBack), "failure").Inc()
	t.EntryAttempts++
	t.LastError = code
	e.appendEvent(t, EventEntryFailed, map[string]any{
		"code":    code,
		"attempt": t.EntryAttempts,
	})
	log.Warn().Str("trade", t.ID).Str("code", code).Int("attempt", t.EntryAttempts).Msg("Entry rejected")

	if t.EntryAttempts >= s.MaxEntryAttempts {
		t.SettledReason = ReasonEntryRejected
		e.transition(t, database.PhaseFailed, EventTradeFailed, map[string]any{
			"reason":   ReasonEntryRejected,
			"attempts": t.EntryAttempts,
			"code":     code,
		})
		e.notifier.TradeFailed(t)
	}
}

// tickLive confirms the entry leg, then watches for the take-profit
// target or a second goal-shaped spike.
func (e *Engine) tickLive(ctx context.Context, t *database.Trade, s *database.Settings, now time.Time, runner *exchange.Runner, price decimal.Decimal) {
	if !t.BackMatched {
		e.confirmEntry(ctx, t, s, runner)
		return
	}

	drop := t.BackPrice.Sub(price).Div(t.BackPrice)
	if drop.GreaterThanOrEqual(s.ProfitTargetPct) {
		e.exit(ctx, t, s, runner, price, ReasonTakeProfit)
		return
	}

	stable := t.LastStablePrice
	if stable.IsZero() {
		stable = t.BackPrice
	}
	rise := price.Sub(stable).Div(stable)
	if rise.GreaterThanOrEqual(s.SpikePct) {
		spikeAt := now
		t.SpikePrice = price
		t.SpikeAt = &spikeAt
		e.transition(t, database.PhaseStopLossWait, EventSecondGoal, map[string]any{
			"stable": stable,
			"price":  price,
		})
		return
	}

	t.LastStablePrice = price
}

// confirmEntry tracks the entry order until the full stake is filled. A
// cancelled or lapsed order keeps whatever it matched: the fill is
// folded into the leg and only the remainder is repriced, so total
// exposure never exceeds the configured stake. A resting order the
// market has drifted away from is cancelled so the next tick can
// replace it.
func (e *Engine) confirmEntry(ctx context.Context, t *database.Trade, s *database.Settings, runner *exchange.Runner) {
	remaining := t.BackStake.Sub(t.BackFilled)
	verified, err := e.ex.VerifyOrderMatched(ctx, t.BackOrderRef, remaining)
	if err != nil {
		t.LastError = err.Error()
		return
	}

	if verified.Matched {
		t.BackFilled = t.BackStake
		t.BackMatched = true
		e.appendEvent(t, EventEntryMatched, map[string]any{"size": verified.SizeMatched})
		return
	}

	if verified.Cancelled {
		if verified.SizeMatched.IsPositive() {
			t.BackFilled = t.BackFilled.Add(verified.SizeMatched)
			remaining = t.BackStake.Sub(t.BackFilled)
		}
		if !remaining.IsPositive() {
			t.BackMatched = true
			e.appendEvent(t, EventEntryMatched, map[string]any{"size": t.BackFilled})
			return
		}

		entry := entryPrice(runner)
		result, err := e.placeOrder(ctx, t, exchange.SideBack, remaining, entry)
		if err != nil {
			e.entryFailed(t, s, err.Error())
			return
		}
		if !result.Placed() {
			e.entryFailed(t, s, result.ErrorCode)
			return
		}
		t.BackPrice = pricing.BlendedPrice(t.BackPrice, t.BackFilled, entry, remaining)
		t.BackOrderRef = result.OrderRef
		t.BackMatched = t.BackFilled.Add(result.SizeMatched).GreaterThanOrEqual(t.BackStake)
		if t.BackMatched {
			t.BackFilled = t.BackStake
		}
		e.appendEvent(t, EventEntryRepriced, map[string]any{
			"price":     entry,
			"remaining": remaining,
			"filled":    t.BackFilled,
			"order_ref": result.OrderRef,
		})
		return
	}

	// Still working. If the market has moved more than a tick away from
	// the order, cancel it; the next tick reprices.
	back := runner.BestBack()
	if back.GreaterThan(pricing.TickAbove(t.BackPrice)) || back.LessThan(pricing.TickBelow(t.BackPrice)) {
		if err := e.ex.CancelOrder(ctx, t.BackOrderRef, t.MarketID); err != nil {
			log.Warn().Err(err).Str("trade", t.ID).Msg("Failed to cancel drifted entry")
			return
		}
		e.appendEvent(t, EventEntryCancelled, map[string]any{
			"order_price": t.BackPrice,
			"market":      back,
		})
	}
}

// tickStopLossWait waits out the second-goal settle window. Unlike
// GOAL_WAIT there is no retrace edge: once a second spike occurs the
// position is assumed compromised.
func (e *Engine) tickStopLossWait(t *database.Trade, s *database.Settings, now time.Time, price decimal.Decimal) {
	if t.SpikeAt != nil && now.Before(t.SpikeAt.Add(s.SettleWindow())) {
		return
	}
	t.StopBaseline = price
	e.transition(t, database.PhaseStopLossActive, EventStopBaseline, map[string]any{"price": price})
}

// tickStopLossActive exits once price falls the configured percentage
// below the stop baseline; otherwise waits, bounded only by the outer
// abandonment rule.
func (e *Engine) tickStopLossActive(ctx context.Context, t *database.Trade, s *database.Settings, runner *exchange.Runner, price decimal.Decimal) {
	threshold := t.StopBaseline.Mul(decimal.NewFromInt(1).Sub(s.StopLossPct))
	if price.GreaterThan(threshold) {
		return
	}
	e.exit(ctx, t, s, runner, price, ReasonStopLoss)
}

// exit hedges the position and settles the trade. A placement failure
// leaves the trade in its current phase for the next tick.
func (e *Engine) exit(ctx context.Context, t *database.Trade, s *database.Settings, runner *exchange.Runner, price decimal.Decimal, reason string) {
	layPrice := runner.BestLay()
	if !layPrice.IsPositive() {
		layPrice = pricing.TickAbove(price)
	}
	layStake := pricing.LayStake(t.BackStake, t.BackPrice, layPrice)

	result, err := e.placeOrder(ctx, t, exchange.SideLay, layStake, layPrice)
	if err != nil {
		status.Orders.WithLabelValues(string(exchange.SideLay), "failure").Inc()
		t.LastError = err.Error()
		e.appendEvent(t, EventExitFailed, map[string]any{"error": err.Error(), "reason": reason})
		return
	}
	if !result.Placed() {
		status.Orders.WithLabelValues(string(exchange.SideLay), "failure").Inc()
		t.LastError = result.ErrorCode
		e.appendEvent(t, EventExitFailed, map[string]any{"code": result.ErrorCode, "reason": reason})
		return
	}

	status.Orders.WithLabelValues(string(exchange.SideLay), "success").Inc()
	t.LayPrice = layPrice
	t.LayStake = layStake
	t.LayOrderRef = result.OrderRef
	e.appendEvent(t, EventExitPlaced, map[string]any{
		"price":     layPrice,
		"stake":     layStake,
		"order_ref": result.OrderRef,
		"reason":    reason,
	})

	t.ProfitLoss = pricing.HedgedPnL(t.BackStake, t.BackPrice, layStake, layPrice, s.CommissionRate)
	t.SettledReason = reason
	t.LastError = ""
	e.transition(t, database.PhaseCompleted, EventTradeSettled, map[string]any{
		"pnl":    t.ProfitLoss,
		"reason": reason,
	})
	e.notifier.TradeSettled(t)
}

// forceSettle ends a trade from the outer bounds: game over or venue
// closed. Whatever leg data exists is kept. The abandonment ceiling
// always completes the trade; a venue closure before any entry cancels
// it instead.
func (e *Engine) forceSettle(t *database.Trade, s *database.Settings, reason string) {
	t.SettledReason = reason
	if t.HasBothLegs() && t.ProfitLoss.IsZero() {
		t.ProfitLoss = pricing.HedgedPnL(t.BackStake, t.BackPrice, t.LayStake, t.LayPrice, s.CommissionRate)
	}

	phase := database.PhaseCompleted
	if reason == ReasonMarketClosed && t.BackOrderRef == "" {
		phase = database.PhaseCancelled
	}
	e.transition(t, phase, EventTradeSettled, map[string]any{
		"reason": reason,
		"pnl":    t.ProfitLoss,
	})
	e.notifier.TradeSettled(t)
}
