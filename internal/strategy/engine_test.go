package strategy

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsflow/goalbot/internal/config"
	"github.com/oddsflow/goalbot/internal/database"
	"github.com/oddsflow/goalbot/internal/exchange"
	"github.com/oddsflow/goalbot/internal/fixtures"
	"github.com/oddsflow/goalbot/internal/markets"
)

var kickoff = time.Date(2026, 3, 7, 15, 0, 0, 0, time.UTC)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type placedOrder struct {
	side  exchange.Side
	size  decimal.Decimal
	price decimal.Decimal
}

// fakeExchange serves scripted books per market and records orders.
type fakeExchange struct {
	books    map[string]*exchange.MarketBook
	bookErrs map[string]error

	placed      []placedOrder
	placeResult *exchange.PlaceResult
	placeErr    error

	verify    *exchange.MatchResult
	verifyErr error

	cancelled []string
}

func (f *fakeExchange) MarketBook(_ context.Context, marketID string) (*exchange.MarketBook, error) {
	if err := f.bookErrs[marketID]; err != nil {
		return nil, err
	}
	if book, ok := f.books[marketID]; ok {
		return book, nil
	}
	return nil, fmt.Errorf("no book for %s", marketID)
}

func (f *fakeExchange) PlaceLimitOrder(_ context.Context, _ string, _ int64, side exchange.Side, size, price decimal.Decimal, _ exchange.PersistenceType) (*exchange.PlaceResult, error) {
	f.placed = append(f.placed, placedOrder{side: side, size: size, price: price})
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	if f.placeResult != nil {
		return f.placeResult, nil
	}
	return &exchange.PlaceResult{
		Status:      "SUCCESS",
		OrderRef:    fmt.Sprintf("order-%d", len(f.placed)),
		SizeMatched: size,
	}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, orderRef, _ string) error {
	f.cancelled = append(f.cancelled, orderRef)
	return nil
}

func (f *fakeExchange) VerifyOrderMatched(_ context.Context, _ string, expectedSize decimal.Decimal) (*exchange.MatchResult, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if f.verify != nil {
		return f.verify, nil
	}
	return &exchange.MatchResult{Matched: true, SizeMatched: expectedSize}, nil
}

type fakeResolver struct {
	res *markets.Resolution
	err error
}

func (f *fakeResolver) Resolve(_ context.Context, _ fixtures.Event, _ markets.MarketSpec) (*markets.Resolution, error) {
	return f.res, f.err
}

type fakeSource struct {
	events []fixtures.Event
}

func (f *fakeSource) Upcoming(_ context.Context, _, _ time.Time) ([]fixtures.Event, error) {
	return f.events, nil
}

func testConfig() *config.Config {
	return &config.Config{
		MarketLine:    decimal.NewFromFloat(2.5),
		FixtureWindow: 12 * time.Hour,
	}
}

func newTestEngine(t *testing.T, ex *fakeExchange) (*Engine, *fakeClock, *database.Database) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	clock := &fakeClock{now: kickoff}
	engine := New(testConfig(), db, ex, &fakeResolver{}, &fakeSource{}, nil, clock)
	return engine, clock, db
}

func seedTrade(t *testing.T, db *database.Database, phase string) *database.Trade {
	t.Helper()
	trade := &database.Trade{
		ID:            "t-1",
		EventID:       "ev-1",
		EventName:     "Arsenal v Chelsea",
		MarketID:      "1.234",
		MarketName:    "Over/Under 2.5 Goals",
		MarketLine:    decimal.NewFromFloat(2.5),
		SelectionID:   55,
		SelectionName: "Under 2.5 Goals",
		KickoffAt:     kickoff,
		Phase:         phase,
	}
	if err := db.CreateTrade(trade); err != nil {
		t.Fatalf("create trade: %v", err)
	}
	return trade
}

func saveTrade(t *testing.T, db *database.Database, trade *database.Trade) {
	t.Helper()
	if err := db.SaveTrade(trade); err != nil {
		t.Fatalf("save trade: %v", err)
	}
}

func book(back, lay string) *exchange.MarketBook {
	runner := exchange.Runner{SelectionID: 55, EX: &exchange.ExchangePrices{}}
	if back != "" {
		runner.EX.AvailableToBack = []exchange.PriceSize{{Price: d(back), Size: d("1000")}}
	}
	if lay != "" {
		runner.EX.AvailableToLay = []exchange.PriceSize{{Price: d(lay), Size: d("1000")}}
	}
	return &exchange.MarketBook{
		MarketID: "1.234",
		Status:   exchange.MarketOpen,
		InPlay:   true,
		Runners:  []exchange.Runner{runner},
	}
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func reload(t *testing.T, db *database.Database) *database.Trade {
	t.Helper()
	trade, err := db.GetTrade("t-1")
	if err != nil {
		t.Fatalf("reload trade: %v", err)
	}
	return trade
}

func cycle(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("process cycle: %v", err)
	}
}

func TestWatchingSetsBaselineOnFirstObservation(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("2", "2.02")}}
	e, clock, db := newTestEngine(t, ex)
	seedTrade(t, db, database.PhaseWatching)

	clock.now = kickoff.Add(time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseWatching {
		t.Fatalf("phase = %s, want WATCHING", got.Phase)
	}
	if !got.BaselinePrice.Equal(d("2")) {
		t.Fatalf("baseline = %s, want 2", got.BaselinePrice)
	}
}

func TestSpikeBeforeCutoffArmsSettleWindow(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("2.6", "2.62")}}
	e, clock, db := newTestEngine(t, ex)
	trade := seedTrade(t, db, database.PhaseWatching)
	trade.BaselinePrice = d("2")
	saveTrade(t, db, trade)

	clock.now = kickoff.Add(20 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseGoalWait {
		t.Fatalf("phase = %s, want GOAL_WAIT", got.Phase)
	}
	if !got.SpikePrice.Equal(d("2.6")) || got.SpikeAt == nil {
		t.Fatalf("spike = %s at %v, want 2.6 at the tick time", got.SpikePrice, got.SpikeAt)
	}
}

func TestSpikeAfterCutoffSkips(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("2.6", "2.62")}}
	e, clock, db := newTestEngine(t, ex)
	trade := seedTrade(t, db, database.PhaseWatching)
	trade.BaselinePrice = d("2")
	saveTrade(t, db, trade)

	clock.now = kickoff.Add(50 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseSkipped {
		t.Fatalf("phase = %s, want SKIPPED", got.Phase)
	}
	if got.SettledReason != ReasonTooLate {
		t.Fatalf("reason = %s, want TOO_LATE", got.SettledReason)
	}
	if len(ex.placed) != 0 {
		t.Fatalf("placed %d orders on a skip", len(ex.placed))
	}
}

func TestSmallRiseStaysWatching(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("2.2", "2.22")}}
	e, clock, db := newTestEngine(t, ex)
	trade := seedTrade(t, db, database.PhaseWatching)
	trade.BaselinePrice = d("2")
	saveTrade(t, db, trade)

	clock.now = kickoff.Add(20 * time.Minute)
	cycle(t, e)

	if got := reload(t, db); got.Phase != database.PhaseWatching {
		t.Fatalf("phase = %s, want WATCHING on a 10%% rise", got.Phase)
	}
}

func TestRetraceInsideWindowIsFalseAlarm(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("2.24", "2.26")}}
	e, clock, db := newTestEngine(t, ex)
	trade := seedTrade(t, db, database.PhaseGoalWait)
	trade.BaselinePrice = d("2")
	trade.SpikePrice = d("2.6")
	spikeAt := kickoff.Add(20 * time.Minute)
	trade.SpikeAt = &spikeAt
	saveTrade(t, db, trade)

	// +12% against baseline, under half the 30% threshold
	clock.now = spikeAt.Add(30 * time.Second)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseWatching {
		t.Fatalf("phase = %s, want WATCHING after retrace", got.Phase)
	}
	if !got.BaselinePrice.Equal(d("2.24")) {
		t.Fatalf("baseline = %s, want refreshed to 2.24", got.BaselinePrice)
	}
	if got.SpikeAt != nil {
		t.Fatal("spike marker must be cleared on a false alarm")
	}
}

func TestHoldInsideWindowWithoutRetrace(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("2.56", "2.58")}}
	e, clock, db := newTestEngine(t, ex)
	trade := seedTrade(t, db, database.PhaseGoalWait)
	trade.BaselinePrice = d("2")
	trade.SpikePrice = d("2.6")
	spikeAt := kickoff.Add(20 * time.Minute)
	trade.SpikeAt = &spikeAt
	saveTrade(t, db, trade)

	clock.now = spikeAt.Add(30 * time.Second)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseGoalWait {
		t.Fatalf("phase = %s, want GOAL_WAIT inside the window", got.Phase)
	}
	if len(ex.placed) != 0 {
		t.Fatal("no order may be placed before the window elapses")
	}
}

func TestEntryAfterSettleWindow(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("2.54", "2.56")}}
	e, clock, db := newTestEngine(t, ex)
	trade := seedTrade(t, db, database.PhaseGoalWait)
	trade.BaselinePrice = d("2")
	trade.SpikePrice = d("2.6")
	spikeAt := kickoff.Add(20 * time.Minute)
	trade.SpikeAt = &spikeAt
	saveTrade(t, db, trade)

	clock.now = spikeAt.Add(2 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseLive {
		t.Fatalf("phase = %s, want LIVE", got.Phase)
	}
	if len(ex.placed) != 1 {
		t.Fatalf("placed = %d orders, want 1", len(ex.placed))
	}
	// one-tick spread: entry at the passive lay price
	if o := ex.placed[0]; o.side != exchange.SideBack || !o.price.Equal(d("2.56")) || !o.size.Equal(d("10")) {
		t.Fatalf("order = %+v, want BACK 10 @ 2.56", o)
	}
	if !got.SettledPrice.Equal(d("2.54")) {
		t.Fatalf("settled price = %s, want 2.54", got.SettledPrice)
	}
	if !got.BackMatched {
		t.Fatal("fully matched placement must mark the leg matched")
	}
}

func TestWideSpreadEntersAtMid(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("2.5", "2.7")}}
	e, clock, db := newTestEngine(t, ex)
	trade := seedTrade(t, db, database.PhaseGoalWait)
	trade.BaselinePrice = d("2")
	spikeAt := kickoff.Add(20 * time.Minute)
	trade.SpikeAt = &spikeAt
	saveTrade(t, db, trade)

	clock.now = spikeAt.Add(2 * time.Minute)
	cycle(t, e)

	if o := ex.placed[0]; !o.price.Equal(d("2.6")) {
		t.Fatalf("entry = %s, want the ticked mid 2.6", o.price)
	}
}

func TestSettleOutOfBandSkips(t *testing.T) {
	for _, c := range []struct{ back, lay string }{
		{"2.2", "2.22"}, // below the band
		{"5.1", "5.2"},  // above the band
	} {
		ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book(c.back, c.lay)}}
		e, clock, db := newTestEngine(t, ex)
		trade := seedTrade(t, db, database.PhaseGoalWait)
		trade.BaselinePrice = d("2")
		spikeAt := kickoff.Add(20 * time.Minute)
		trade.SpikeAt = &spikeAt
		saveTrade(t, db, trade)

		clock.now = spikeAt.Add(2 * time.Minute)
		cycle(t, e)

		got := reload(t, db)
		if got.Phase != database.PhaseSkipped || got.SettledReason != ReasonOutOfBand {
			t.Fatalf("settle at %s: phase = %s (%s), want SKIPPED OUT_OF_BAND", c.back, got.Phase, got.SettledReason)
		}
		if len(ex.placed) != 0 {
			t.Fatalf("settle at %s placed an order", c.back)
		}
	}
}

func TestEntryRejectionRetriesThenFails(t *testing.T) {
	ex := &fakeExchange{
		books:       map[string]*exchange.MarketBook{"1.234": book("2.54", "2.56")},
		placeResult: &exchange.PlaceResult{Status: "FAILURE", ErrorCode: "INSUFFICIENT_FUNDS"},
	}
	e, clock, db := newTestEngine(t, ex)
	trade := seedTrade(t, db, database.PhaseGoalWait)
	trade.BaselinePrice = d("2")
	spikeAt := kickoff.Add(20 * time.Minute)
	trade.SpikeAt = &spikeAt
	saveTrade(t, db, trade)
	clock.now = spikeAt.Add(2 * time.Minute)

	for i := 0; i < 4; i++ {
		cycle(t, e)
		got := reload(t, db)
		if got.Phase != database.PhaseGoalWait {
			t.Fatalf("attempt %d: phase = %s, want GOAL_WAIT while budget remains", i+1, got.Phase)
		}
		if got.EntryAttempts != i+1 {
			t.Fatalf("attempt %d: counter = %d", i+1, got.EntryAttempts)
		}
	}

	cycle(t, e)
	got := reload(t, db)
	if got.Phase != database.PhaseFailed {
		t.Fatalf("phase = %s, want FAILED after the attempt budget", got.Phase)
	}
	if got.SettledReason != ReasonEntryRejected {
		t.Fatalf("reason = %s, want ENTRY_REJECTED", got.SettledReason)
	}
	if got.LastError != "INSUFFICIENT_FUNDS" {
		t.Fatalf("lastError = %s, want the exchange code", got.LastError)
	}
}

func liveTrade(t *testing.T, db *database.Database) *database.Trade {
	t.Helper()
	trade := seedTrade(t, db, database.PhaseLive)
	trade.BaselinePrice = d("2")
	trade.SettledPrice = d("2.54")
	trade.BackPrice = d("2.56")
	trade.BackStake = d("10")
	trade.BackOrderRef = "bet-1"
	trade.BackMatched = true
	trade.LastStablePrice = d("2.56")
	saveTrade(t, db, trade)
	return trade
}

func TestTakeProfitExit(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("2.3", "2.32")}}
	e, clock, db := newTestEngine(t, ex)
	liveTrade(t, db)

	clock.now = kickoff.Add(40 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseCompleted {
		t.Fatalf("phase = %s, want COMPLETED", got.Phase)
	}
	if got.SettledReason != ReasonTakeProfit {
		t.Fatalf("reason = %s, want TAKE_PROFIT", got.SettledReason)
	}
	if len(ex.placed) != 1 {
		t.Fatalf("placed = %d orders, want the hedge leg", len(ex.placed))
	}
	o := ex.placed[0]
	if o.side != exchange.SideLay || !o.price.Equal(d("2.32")) {
		t.Fatalf("hedge = %+v, want LAY @ 2.32", o)
	}
	// 10 x 2.56 / 2.32 rounded
	if !o.size.Equal(d("11.03")) {
		t.Fatalf("lay stake = %s, want 11.03", o.size)
	}
	// min(1.0404, 1.03) less 5% commission
	if !got.ProfitLoss.Equal(d("0.98")) {
		t.Fatalf("pnl = %s, want 0.98", got.ProfitLoss)
	}
}

func TestLiveHoldsBelowTarget(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("2.4", "2.42")}}
	e, clock, db := newTestEngine(t, ex)
	liveTrade(t, db)

	clock.now = kickoff.Add(40 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseLive {
		t.Fatalf("phase = %s, want LIVE on a 6%% drop", got.Phase)
	}
	if !got.LastStablePrice.Equal(d("2.4")) {
		t.Fatalf("stable = %s, want pulled down to 2.4", got.LastStablePrice)
	}
}

func TestSecondSpikeArmsStopLoss(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("3.35", "3.4")}}
	e, clock, db := newTestEngine(t, ex)
	liveTrade(t, db)

	clock.now = kickoff.Add(55 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseStopLossWait {
		t.Fatalf("phase = %s, want STOP_LOSS_WAIT on a 30%% rise", got.Phase)
	}
	if got.SpikeAt == nil || !got.SpikeAt.Equal(clock.now) {
		t.Fatalf("spikeAt = %v, want the tick time", got.SpikeAt)
	}
	if len(ex.placed) != 0 {
		t.Fatal("no order may be placed while the second spike settles")
	}
}

func TestStopLossWaitHasNoRetraceEdge(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("2.6", "2.62")}}
	e, clock, db := newTestEngine(t, ex)
	trade := liveTrade(t, db)
	trade.Phase = database.PhaseStopLossWait
	spikeAt := kickoff.Add(55 * time.Minute)
	trade.SpikeAt = &spikeAt
	saveTrade(t, db, trade)

	clock.now = spikeAt.Add(30 * time.Second)
	cycle(t, e)

	if got := reload(t, db); got.Phase != database.PhaseStopLossWait {
		t.Fatalf("phase = %s, retrace must not leave STOP_LOSS_WAIT", got.Phase)
	}
}

func TestStopLossWaitSetsBaselineAfterWindow(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("3.3", "3.35")}}
	e, clock, db := newTestEngine(t, ex)
	trade := liveTrade(t, db)
	trade.Phase = database.PhaseStopLossWait
	spikeAt := kickoff.Add(55 * time.Minute)
	trade.SpikeAt = &spikeAt
	saveTrade(t, db, trade)

	clock.now = spikeAt.Add(2 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseStopLossActive {
		t.Fatalf("phase = %s, want STOP_LOSS_ACTIVE", got.Phase)
	}
	if !got.StopBaseline.Equal(d("3.3")) {
		t.Fatalf("stop baseline = %s, want 3.3", got.StopBaseline)
	}
}

func TestStopLossFiresOnDropBelowBaseline(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("2.84", "2.86")}}
	e, clock, db := newTestEngine(t, ex)
	trade := liveTrade(t, db)
	trade.Phase = database.PhaseStopLossActive
	trade.StopBaseline = d("3")
	saveTrade(t, db, trade)

	clock.now = kickoff.Add(60 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseCompleted {
		t.Fatalf("phase = %s, want COMPLETED", got.Phase)
	}
	if got.SettledReason != ReasonStopLoss {
		t.Fatalf("reason = %s, want STOP_LOSS", got.SettledReason)
	}
	if got.ProfitLoss.Sign() >= 0 {
		t.Fatalf("pnl = %s, a stop-loss above entry must realize a loss", got.ProfitLoss)
	}
}

func TestStopLossHoldsAboveThreshold(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("2.9", "2.92")}}
	e, clock, db := newTestEngine(t, ex)
	trade := liveTrade(t, db)
	trade.Phase = database.PhaseStopLossActive
	trade.StopBaseline = d("3")
	saveTrade(t, db, trade)

	clock.now = kickoff.Add(60 * time.Minute)
	cycle(t, e)

	if got := reload(t, db); got.Phase != database.PhaseStopLossActive {
		t.Fatalf("phase = %s, want STOP_LOSS_ACTIVE above the threshold", got.Phase)
	}
}

func TestAbandonmentCeilingAppliesInAnyPhase(t *testing.T) {
	// no book is served: the ceiling must fire before any market fetch
	ex := &fakeExchange{bookErrs: map[string]error{"1.234": errors.New("unreachable")}}
	e, clock, db := newTestEngine(t, ex)
	seedTrade(t, db, database.PhaseWatching)

	clock.now = kickoff.Add(121 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseCompleted {
		t.Fatalf("phase = %s, want COMPLETED", got.Phase)
	}
	if got.SettledReason != ReasonGameEnded {
		t.Fatalf("reason = %s, want GAME_ENDED", got.SettledReason)
	}
}

func TestMarketClosedBeforeEntryCancels(t *testing.T) {
	closed := book("", "")
	closed.Status = exchange.MarketClosed
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": closed}}
	e, clock, db := newTestEngine(t, ex)
	seedTrade(t, db, database.PhaseWatching)

	clock.now = kickoff.Add(30 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseCancelled {
		t.Fatalf("phase = %s, want CANCELLED without an entry leg", got.Phase)
	}
	if got.SettledReason != ReasonMarketClosed {
		t.Fatalf("reason = %s, want MARKET_CLOSED", got.SettledReason)
	}
}

func TestMarketClosedAfterHedgeCompletesWithPnL(t *testing.T) {
	closed := book("", "")
	closed.Status = exchange.MarketClosed
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": closed}}
	e, clock, db := newTestEngine(t, ex)
	trade := liveTrade(t, db)
	trade.LayPrice = d("2.32")
	trade.LayStake = d("11.03")
	trade.LayOrderRef = "bet-2"
	saveTrade(t, db, trade)

	clock.now = kickoff.Add(30 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseCompleted {
		t.Fatalf("phase = %s, want COMPLETED", got.Phase)
	}
	if !got.ProfitLoss.Equal(d("0.98")) {
		t.Fatalf("pnl = %s, want 0.98 from the recorded legs", got.ProfitLoss)
	}
}

func TestSuspendedMarketSkipsTick(t *testing.T) {
	suspended := book("2.6", "2.62")
	suspended.Status = exchange.MarketSuspended
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": suspended}}
	e, clock, db := newTestEngine(t, ex)
	trade := seedTrade(t, db, database.PhaseWatching)
	trade.BaselinePrice = d("2")
	saveTrade(t, db, trade)

	clock.now = kickoff.Add(20 * time.Minute)
	cycle(t, e)

	// the spike-shaped price during suspension is ignored
	if got := reload(t, db); got.Phase != database.PhaseWatching {
		t.Fatalf("phase = %s, want WATCHING during suspension", got.Phase)
	}
}

func TestPreKickoffIsANoop(t *testing.T) {
	ex := &fakeExchange{bookErrs: map[string]error{"1.234": errors.New("unreachable")}}
	e, clock, db := newTestEngine(t, ex)
	seedTrade(t, db, database.PhaseWatching)

	clock.now = kickoff.Add(-time.Hour)
	cycle(t, e)

	if got := reload(t, db); got.Phase != database.PhaseWatching {
		t.Fatalf("phase = %s, want untouched before kickoff", got.Phase)
	}
}

func TestBookErrorIsolatesTrade(t *testing.T) {
	ex := &fakeExchange{
		books:    map[string]*exchange.MarketBook{"1.234": book("2", "2.02")},
		bookErrs: map[string]error{"1.999": errors.New("unreachable")},
	}
	e, clock, db := newTestEngine(t, ex)
	broken := &database.Trade{
		ID:        "t-0",
		EventID:   "ev-0",
		MarketID:  "1.999",
		KickoffAt: kickoff.Add(-time.Minute),
		Phase:     database.PhaseWatching,
	}
	if err := db.CreateTrade(broken); err != nil {
		t.Fatalf("create: %v", err)
	}
	seedTrade(t, db, database.PhaseWatching)

	clock.now = kickoff.Add(time.Minute)
	cycle(t, e)

	// the healthy trade still advanced
	if got := reload(t, db); !got.BaselinePrice.Equal(d("2")) {
		t.Fatalf("baseline = %s, a broken sibling stalled the cycle", got.BaselinePrice)
	}
	gotBroken, err := db.GetTrade("t-0")
	if err != nil {
		t.Fatalf("get broken: %v", err)
	}
	if gotBroken.LastError == "" {
		t.Fatal("book failure must be recorded on the trade")
	}
}

func TestConfirmEntryMarksMatched(t *testing.T) {
	ex := &fakeExchange{
		books:  map[string]*exchange.MarketBook{"1.234": book("2.56", "2.58")},
		verify: &exchange.MatchResult{Matched: true, SizeMatched: d("10")},
	}
	e, clock, db := newTestEngine(t, ex)
	trade := liveTrade(t, db)
	trade.BackMatched = false
	saveTrade(t, db, trade)

	clock.now = kickoff.Add(30 * time.Minute)
	cycle(t, e)

	if got := reload(t, db); !got.BackMatched {
		t.Fatal("verified order must mark the entry matched")
	}
}

func TestConfirmEntryRepricesCancelledOrder(t *testing.T) {
	ex := &fakeExchange{
		books:  map[string]*exchange.MarketBook{"1.234": book("2.6", "2.62")},
		verify: &exchange.MatchResult{Cancelled: true},
	}
	e, clock, db := newTestEngine(t, ex)
	trade := liveTrade(t, db)
	trade.BackMatched = false
	saveTrade(t, db, trade)

	clock.now = kickoff.Add(30 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if len(ex.placed) != 1 {
		t.Fatalf("placed = %d, want a replacement order", len(ex.placed))
	}
	if !got.BackPrice.Equal(d("2.62")) {
		t.Fatalf("entry = %s, want repriced to 2.62", got.BackPrice)
	}
	if got.BackOrderRef == "bet-1" {
		t.Fatal("order ref must be replaced")
	}
}

func TestConfirmEntryRepricesRemainderAfterPartialFill(t *testing.T) {
	// 4 of 10 matched at 2.56 before the order was cancelled; only the
	// remaining 6 may be re-placed at the new touch price.
	ex := &fakeExchange{
		books:  map[string]*exchange.MarketBook{"1.234": book("2.6", "2.62")},
		verify: &exchange.MatchResult{Cancelled: true, SizeMatched: d("4")},
	}
	e, clock, db := newTestEngine(t, ex)
	trade := liveTrade(t, db)
	trade.BackMatched = false
	saveTrade(t, db, trade)

	clock.now = kickoff.Add(30 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if len(ex.placed) != 1 {
		t.Fatalf("placed = %d, want a replacement order", len(ex.placed))
	}
	if !ex.placed[0].size.Equal(d("6")) {
		t.Fatalf("replacement size = %s, want the unmatched 6", ex.placed[0].size)
	}
	if !ex.placed[0].price.Equal(d("2.62")) {
		t.Fatalf("replacement price = %s, want 2.62", ex.placed[0].price)
	}
	// (2.56*4 + 2.62*6) / 10 rounds to 2.60
	if !got.BackPrice.Equal(d("2.6")) {
		t.Fatalf("entry = %s, want blended 2.60", got.BackPrice)
	}
	if !got.BackFilled.Equal(d("10")) {
		t.Fatalf("filled = %s, want the full stake", got.BackFilled)
	}
	if !got.BackMatched {
		t.Fatal("trade should be fully matched after the remainder fills")
	}
}

func TestConfirmEntryPartialFillCompletesWithoutReprice(t *testing.T) {
	// an earlier pass already booked 6; the final 4 matched before the
	// cancel landed, so no replacement order goes out.
	ex := &fakeExchange{
		books:  map[string]*exchange.MarketBook{"1.234": book("2.6", "2.62")},
		verify: &exchange.MatchResult{Cancelled: true, SizeMatched: d("4")},
	}
	e, clock, db := newTestEngine(t, ex)
	trade := liveTrade(t, db)
	trade.BackMatched = false
	trade.BackFilled = d("6")
	saveTrade(t, db, trade)

	clock.now = kickoff.Add(30 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if len(ex.placed) != 0 {
		t.Fatalf("placed = %d, want no replacement order", len(ex.placed))
	}
	if !got.BackFilled.Equal(d("10")) {
		t.Fatalf("filled = %s, want the full stake", got.BackFilled)
	}
	if !got.BackMatched {
		t.Fatal("trade should be marked matched once the fills cover the stake")
	}
}

func TestConfirmEntryCancelsDriftedOrder(t *testing.T) {
	// working order at 2.56; market has drifted to 2.66
	ex := &fakeExchange{
		books:  map[string]*exchange.MarketBook{"1.234": book("2.66", "2.68")},
		verify: &exchange.MatchResult{Matched: false, SizeMatched: d("0")},
	}
	e, clock, db := newTestEngine(t, ex)
	trade := liveTrade(t, db)
	trade.BackMatched = false
	saveTrade(t, db, trade)

	clock.now = kickoff.Add(30 * time.Minute)
	cycle(t, e)

	if len(ex.cancelled) != 1 || ex.cancelled[0] != "bet-1" {
		t.Fatalf("cancelled = %v, want bet-1", ex.cancelled)
	}
}

func TestDryRunSimulatesPlacement(t *testing.T) {
	ex := &fakeExchange{books: map[string]*exchange.MarketBook{"1.234": book("2.54", "2.56")}}
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	cfg := testConfig()
	cfg.DryRun = true
	clock := &fakeClock{}
	e := New(cfg, db, ex, &fakeResolver{}, &fakeSource{}, nil, clock)

	trade := seedTrade(t, db, database.PhaseGoalWait)
	trade.BaselinePrice = d("2")
	spikeAt := kickoff.Add(20 * time.Minute)
	trade.SpikeAt = &spikeAt
	saveTrade(t, db, trade)

	clock.now = spikeAt.Add(2 * time.Minute)
	cycle(t, e)

	got := reload(t, db)
	if got.Phase != database.PhaseLive {
		t.Fatalf("phase = %s, want LIVE", got.Phase)
	}
	if len(ex.placed) != 0 {
		t.Fatalf("dry run reached the exchange: %+v", ex.placed)
	}
	if !strings.HasPrefix(got.BackOrderRef, "dry-") {
		t.Fatalf("order ref = %s, want a simulated ref", got.BackOrderRef)
	}
}

func TestSyncFixturesSeedsEachEventOnce(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	source := &fakeSource{events: []fixtures.Event{{
		ID:        "ev-1",
		Name:      "Arsenal v Chelsea",
		Home:      "Arsenal",
		Away:      "Chelsea",
		KickoffAt: kickoff,
	}}}
	resolver := &fakeResolver{res: &markets.Resolution{
		MarketID:      "1.234",
		MarketName:    "Over/Under 2.5 Goals",
		SelectionID:   55,
		SelectionName: "Under 2.5 Goals",
	}}
	clock := &fakeClock{now: kickoff.Add(-6 * time.Hour)}
	e := New(testConfig(), db, &fakeExchange{}, resolver, source, nil, clock)

	if err := e.SyncFixtures(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := e.SyncFixtures(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}

	n, err := db.CountActiveTrades()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("trades = %d, want the event seeded once", n)
	}

	trades, err := db.ActiveTrades()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := trades[0]
	if got.Phase != database.PhaseWatching || got.SelectionID != 55 {
		t.Fatalf("seeded = %+v, want WATCHING on selection 55", got)
	}
}

func TestSyncFixturesSkipsUnresolvedEvents(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	source := &fakeSource{events: []fixtures.Event{{ID: "ev-1", Name: "Arsenal v Chelsea", KickoffAt: kickoff}}}
	resolver := &fakeResolver{err: errors.New("no market matched")}
	e := New(testConfig(), db, &fakeExchange{}, resolver, source, nil, &fakeClock{now: kickoff.Add(-6 * time.Hour)})

	if err := e.SyncFixtures(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	n, err := db.CountActiveTrades()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("trades = %d, want unresolved event left for the next pass", n)
	}
}

func TestNextWake(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	e := New(testConfig(), db, &fakeExchange{}, &fakeResolver{}, &fakeSource{}, nil, &fakeClock{now: kickoff})

	// nothing tracked: no wake time
	pollNow, wakeAt := e.NextWake(kickoff)
	if pollNow || !wakeAt.IsZero() {
		t.Fatalf("empty book: pollNow=%v wakeAt=%v", pollNow, wakeAt)
	}

	seedTrade(t, db, database.PhaseWatching)

	// before kickoff: sleep until it
	pollNow, wakeAt = e.NextWake(kickoff.Add(-time.Hour))
	if pollNow || !wakeAt.Equal(kickoff) {
		t.Fatalf("pre-kickoff: pollNow=%v wakeAt=%v, want sleep until kickoff", pollNow, wakeAt)
	}

	// in play: poll immediately
	pollNow, _ = e.NextWake(kickoff.Add(time.Minute))
	if !pollNow {
		t.Fatal("in-play trade must poll now")
	}
}
