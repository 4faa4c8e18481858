package exchange

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// API is the raw transport surface the resilient layer wraps. *Client
// implements it; tests substitute a fake.
type API interface {
	ListEventTypes(ctx context.Context, token string, filter MarketFilter) ([]EventTypeResult, error)
	ListMarketCatalogue(ctx context.Context, token string, filter MarketFilter, maxResults int) ([]MarketCatalogue, error)
	ListMarketBook(ctx context.Context, token string, marketIDs []string) ([]MarketBook, error)
	PlaceOrders(ctx context.Context, token, marketID string, instructions []PlaceInstruction) (*PlaceExecutionReport, error)
	CancelOrders(ctx context.Context, token, marketID string, instructions []CancelInstruction) (*CancelExecutionReport, error)
	ListCurrentOrders(ctx context.Context, token string, betIDs []string) (*CurrentOrderSummaryReport, error)
	ListClearedOrders(ctx context.Context, token string, betIDs []string) (*ClearedOrderSummaryReport, error)
}

// Sessions is the slice of the session manager the caller needs.
type Sessions interface {
	EnsureLogin(ctx context.Context, trigger string) string
	Invalidate(reason string)
}

// ErrNoSession is returned when no session token could be obtained for a
// call; the operation fails without reaching the exchange.
var ErrNoSession = errors.New("exchange: no session available")

// Caller wraps every remote operation with classification-based retry:
// an invalid-session failure invalidates the token, forces re-login and
// retries once with the new token; any other failure retries once with
// the same token. Exhausting retries surfaces the error to the caller,
// fatal for that operation only.
type Caller struct {
	api      API
	sessions Sessions
}

func NewCaller(api API, sessions Sessions) *Caller {
	return &Caller{api: api, sessions: sessions}
}

func (c *Caller) do(ctx context.Context, op string, fn func(token string) error) error {
	token := c.sessions.EnsureLogin(ctx, op)
	if token == "" {
		return ErrNoSession
	}

	err := fn(token)
	if err == nil {
		return nil
	}

	if IsInvalidSession(err) {
		log.Warn().Str("op", op).Msg("🔑 Session rejected, forcing re-login")
		c.sessions.Invalidate("invalid session on " + op)
		token = c.sessions.EnsureLogin(ctx, op+" reauth")
		if token == "" {
			return err
		}
		return fn(token)
	}

	log.Debug().Str("op", op).Err(err).Msg("Transient failure, retrying once")
	return fn(token)
}

// ─── Market data ──────────────────────────────────────────────────────────────

// MarketBook fetches the live best-offer view of one market.
func (c *Caller) MarketBook(ctx context.Context, marketID string) (*MarketBook, error) {
	var books []MarketBook
	err := c.do(ctx, "listMarketBook", func(token string) error {
		var err error
		books, err = c.api.ListMarketBook(ctx, token, []string{marketID})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(books) == 0 {
		return nil, errors.New("exchange: market book not returned")
	}
	return &books[0], nil
}

// EventTypes lists the sports visible to the account.
func (c *Caller) EventTypes(ctx context.Context, filter MarketFilter) ([]EventTypeResult, error) {
	var out []EventTypeResult
	err := c.do(ctx, "listEventTypes", func(token string) error {
		var err error
		out, err = c.api.ListEventTypes(ctx, token, filter)
		return err
	})
	return out, err
}

// MarketCatalogue lists markets matching the filter.
func (c *Caller) MarketCatalogue(ctx context.Context, filter MarketFilter, maxResults int) ([]MarketCatalogue, error) {
	var out []MarketCatalogue
	err := c.do(ctx, "listMarketCatalogue", func(token string) error {
		var err error
		out, err = c.api.ListMarketCatalogue(ctx, token, filter, maxResults)
		return err
	})
	return out, err
}

// ─── Orders ───────────────────────────────────────────────────────────────────

// PlaceResult is the outcome of a limit order placement. A rejection is
// not an error: the report status and exchange code are surfaced for the
// strategy to record.
type PlaceResult struct {
	Status      string
	ErrorCode   string
	OrderRef    string
	SizeMatched decimal.Decimal
}

// Placed reports whether the instruction was accepted.
func (r *PlaceResult) Placed() bool {
	return r.Status == "SUCCESS" && r.OrderRef != ""
}

// PlaceLimitOrder submits a single limit order leg.
func (c *Caller) PlaceLimitOrder(ctx context.Context, marketID string, selectionID int64, side Side, size, price decimal.Decimal, persistence PersistenceType) (*PlaceResult, error) {
	instruction := PlaceInstruction{
		OrderType:   "LIMIT",
		SelectionID: selectionID,
		Side:        side,
		LimitOrder: &LimitOrder{
			Size:            size,
			Price:           price,
			PersistenceType: persistence,
		},
	}

	var report *PlaceExecutionReport
	err := c.do(ctx, "placeOrders", func(token string) error {
		var err error
		report, err = c.api.PlaceOrders(ctx, token, marketID, []PlaceInstruction{instruction})
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &PlaceResult{Status: report.Status, ErrorCode: report.ErrorCode}
	if len(report.InstructionReports) > 0 {
		ir := report.InstructionReports[0]
		result.OrderRef = ir.BetID
		result.SizeMatched = ir.SizeMatched
		if ir.ErrorCode != "" {
			result.ErrorCode = ir.ErrorCode
		}
	}
	return result, nil
}

// CancelOrder cancels one working order. The market id is mandatory.
func (c *Caller) CancelOrder(ctx context.Context, orderRef, marketID string) error {
	var report *CancelExecutionReport
	err := c.do(ctx, "cancelOrders", func(token string) error {
		var err error
		report, err = c.api.CancelOrders(ctx, token, marketID, []CancelInstruction{{BetID: orderRef}})
		return err
	})
	if err != nil {
		return err
	}
	if report.Status != "SUCCESS" {
		return &APIError{Code: report.ErrorCode, Message: "cancel rejected"}
	}
	return nil
}

// OrderDetails is the merged view of one order across the working and
// cleared order books.
type OrderDetails struct {
	Status        string
	SizeMatched   decimal.Decimal
	SizeRemaining decimal.Decimal
	Settled       bool // fully executed and expunged to the cleared view
	Cancelled     bool // absent from both views, or cancelled/lapsed live
}

// GetOrderDetails looks an order up in the live working-order view and
// falls back to the settled/cleared view: an order missing from the live
// view but present in cleared has been fully executed and expunged.
// Absence from both views is treated as cancelled or lapsed.
func (c *Caller) GetOrderDetails(ctx context.Context, orderRef string) (*OrderDetails, error) {
	var current *CurrentOrderSummaryReport
	err := c.do(ctx, "listCurrentOrders", func(token string) error {
		var err error
		current, err = c.api.ListCurrentOrders(ctx, token, []string{orderRef})
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, o := range current.CurrentOrders {
		if o.BetID != orderRef {
			continue
		}
		cancelled := o.SizeCancelled.Add(o.SizeLapsed).Add(o.SizeVoided).IsPositive() && o.SizeRemaining.IsZero()
		return &OrderDetails{
			Status:        o.Status,
			SizeMatched:   o.SizeMatched,
			SizeRemaining: o.SizeRemaining,
			Cancelled:     cancelled,
		}, nil
	}

	var cleared *ClearedOrderSummaryReport
	err = c.do(ctx, "listClearedOrders", func(token string) error {
		var err error
		cleared, err = c.api.ListClearedOrders(ctx, token, []string{orderRef})
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, o := range cleared.ClearedOrders {
		if o.BetID != orderRef {
			continue
		}
		return &OrderDetails{
			Status:      OrderExecutionComplete,
			SizeMatched: o.SizeSettled,
			Settled:     true,
		}, nil
	}

	return &OrderDetails{Cancelled: true}, nil
}

// MatchResult summarises whether an order reached its expected size.
type MatchResult struct {
	Matched     bool
	SizeMatched decimal.Decimal
	Cancelled   bool
}

// VerifyOrderMatched checks that an order has matched at least the
// expected size.
func (c *Caller) VerifyOrderMatched(ctx context.Context, orderRef string, expectedSize decimal.Decimal) (*MatchResult, error) {
	details, err := c.GetOrderDetails(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	if details.Cancelled && !details.SizeMatched.IsPositive() {
		return &MatchResult{Cancelled: true}, nil
	}
	return &MatchResult{
		Matched:     details.SizeMatched.GreaterThanOrEqual(expectedSize),
		SizeMatched: details.SizeMatched,
		Cancelled:   details.Cancelled,
	}, nil
}
