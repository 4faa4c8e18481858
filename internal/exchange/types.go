package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a bet
type Side string

const (
	SideBack Side = "BACK"
	SideLay  Side = "LAY"
)

// PersistenceType controls what happens to an unmatched order when the
// market turns in-play
type PersistenceType string

const (
	PersistenceLapse   PersistenceType = "LAPSE"
	PersistencePersist PersistenceType = "PERSIST"
)

// Order statuses as reported by the current-orders view
const (
	OrderExecutable        = "EXECUTABLE"
	OrderExecutionComplete = "EXECUTION_COMPLETE"
)

// Market statuses
const (
	MarketOpen      = "OPEN"
	MarketSuspended = "SUSPENDED"
	MarketClosed    = "CLOSED"
)

// TimeRange bounds a market start-time filter
type TimeRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// MarketFilter narrows catalogue queries
type MarketFilter struct {
	TextQuery       string     `json:"textQuery,omitempty"`
	EventTypeIDs    []string   `json:"eventTypeIds,omitempty"`
	EventIDs        []string   `json:"eventIds,omitempty"`
	MarketTypeCodes []string   `json:"marketTypeCodes,omitempty"`
	MarketStartTime *TimeRange `json:"marketStartTime,omitempty"`
	InPlayOnly      *bool      `json:"inPlayOnly,omitempty"`
}

// EventType is a sport (Soccer, Tennis, ...)
type EventType struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EventTypeResult pairs an event type with its market count
type EventTypeResult struct {
	EventType   EventType `json:"eventType"`
	MarketCount int       `json:"marketCount"`
}

// Event is a scheduled match
type Event struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CountryCode string    `json:"countryCode,omitempty"`
	Timezone    string    `json:"timezone,omitempty"`
	OpenDate    time.Time `json:"openDate"`
}

// RunnerCatalog describes one selection within a market
type RunnerCatalog struct {
	SelectionID int64           `json:"selectionId"`
	RunnerName  string          `json:"runnerName"`
	Handicap    decimal.Decimal `json:"handicap"`
}

// MarketCatalogue describes one tradable market
type MarketCatalogue struct {
	MarketID        string          `json:"marketId"`
	MarketName      string          `json:"marketName"`
	TotalMatched    decimal.Decimal `json:"totalMatched"`
	MarketStartTime *time.Time      `json:"marketStartTime,omitempty"`
	Event           *Event          `json:"event,omitempty"`
	Runners         []RunnerCatalog `json:"runners,omitempty"`
}

// PriceSize is one rung of available liquidity
type PriceSize struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// ExchangePrices holds best-offer depth for a runner
type ExchangePrices struct {
	AvailableToBack []PriceSize `json:"availableToBack,omitempty"`
	AvailableToLay  []PriceSize `json:"availableToLay,omitempty"`
}

// Runner is the live view of one selection
type Runner struct {
	SelectionID     int64           `json:"selectionId"`
	Status          string          `json:"status"`
	LastPriceTraded decimal.Decimal `json:"lastPriceTraded"`
	EX              *ExchangePrices `json:"ex,omitempty"`
}

// MarketBook is the live view of one market
type MarketBook struct {
	MarketID string   `json:"marketId"`
	Status   string   `json:"status"`
	InPlay   bool     `json:"inplay"`
	Runners  []Runner `json:"runners,omitempty"`
}

// FindRunner returns the live runner for a selection id.
func (b *MarketBook) FindRunner(selectionID int64) *Runner {
	for i := range b.Runners {
		if b.Runners[i].SelectionID == selectionID {
			return &b.Runners[i]
		}
	}
	return nil
}

// BestBack returns the best available-to-back price for the runner.
func (r *Runner) BestBack() decimal.Decimal {
	if r.EX == nil || len(r.EX.AvailableToBack) == 0 {
		return decimal.Zero
	}
	return r.EX.AvailableToBack[0].Price
}

// BestLay returns the best available-to-lay price for the runner.
func (r *Runner) BestLay() decimal.Decimal {
	if r.EX == nil || len(r.EX.AvailableToLay) == 0 {
		return decimal.Zero
	}
	return r.EX.AvailableToLay[0].Price
}

// LimitOrder is the body of a limit place instruction
type LimitOrder struct {
	Size            decimal.Decimal `json:"size"`
	Price           decimal.Decimal `json:"price"`
	PersistenceType PersistenceType `json:"persistenceType"`
}

// PlaceInstruction submits one order leg
type PlaceInstruction struct {
	OrderType   string      `json:"orderType"`
	SelectionID int64       `json:"selectionId"`
	Side        Side        `json:"side"`
	LimitOrder  *LimitOrder `json:"limitOrder,omitempty"`
}

// PlaceInstructionReport is the per-instruction placement outcome
type PlaceInstructionReport struct {
	Status              string          `json:"status"`
	ErrorCode           string          `json:"errorCode,omitempty"`
	BetID               string          `json:"betId,omitempty"`
	PlacedDate          *time.Time      `json:"placedDate,omitempty"`
	AveragePriceMatched decimal.Decimal `json:"averagePriceMatched"`
	SizeMatched         decimal.Decimal `json:"sizeMatched"`
}

// PlaceExecutionReport is the overall placement outcome
type PlaceExecutionReport struct {
	Status             string                   `json:"status"`
	ErrorCode          string                   `json:"errorCode,omitempty"`
	MarketID           string                   `json:"marketId"`
	InstructionReports []PlaceInstructionReport `json:"instructionReports,omitempty"`
}

// CancelInstruction cancels one working order
type CancelInstruction struct {
	BetID string `json:"betId"`
}

// CancelInstructionReport is the per-instruction cancellation outcome
type CancelInstructionReport struct {
	Status        string          `json:"status"`
	ErrorCode     string          `json:"errorCode,omitempty"`
	SizeCancelled decimal.Decimal `json:"sizeCancelled"`
}

// CancelExecutionReport is the overall cancellation outcome
type CancelExecutionReport struct {
	Status             string                    `json:"status"`
	ErrorCode          string                    `json:"errorCode,omitempty"`
	MarketID           string                    `json:"marketId"`
	InstructionReports []CancelInstructionReport `json:"instructionReports,omitempty"`
}

// CurrentOrderSummary is one row of the live working-order view
type CurrentOrderSummary struct {
	BetID         string          `json:"betId"`
	MarketID      string          `json:"marketId"`
	SelectionID   int64           `json:"selectionId"`
	Side          Side            `json:"side"`
	Status        string          `json:"status"`
	PriceSize     PriceSize       `json:"priceSize"`
	SizeMatched   decimal.Decimal `json:"sizeMatched"`
	SizeRemaining decimal.Decimal `json:"sizeRemaining"`
	SizeCancelled decimal.Decimal `json:"sizeCancelled"`
	SizeLapsed    decimal.Decimal `json:"sizeLapsed"`
	SizeVoided    decimal.Decimal `json:"sizeVoided"`
}

// CurrentOrderSummaryReport wraps the working-order view
type CurrentOrderSummaryReport struct {
	CurrentOrders []CurrentOrderSummary `json:"currentOrders"`
	MoreAvailable bool                  `json:"moreAvailable"`
}

// ClearedOrderSummary is one row of the settled/cleared-order view
type ClearedOrderSummary struct {
	BetID        string          `json:"betId"`
	MarketID     string          `json:"marketId"`
	SelectionID  int64           `json:"selectionId"`
	Side         Side            `json:"side"`
	PriceMatched decimal.Decimal `json:"priceMatched"`
	SizeSettled  decimal.Decimal `json:"sizeSettled"`
	Profit       decimal.Decimal `json:"profit"`
	SettledDate  *time.Time      `json:"settledDate,omitempty"`
}

// ClearedOrderSummaryReport wraps the cleared-order view
type ClearedOrderSummaryReport struct {
	ClearedOrders []ClearedOrderSummary `json:"clearedOrders"`
	MoreAvailable bool                  `json:"moreAvailable"`
}
