package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Database struct {
	db *gorm.DB
}

// Trade phases. Transitions are monotonic except the single
// GOAL_WAIT -> WATCHING false-alarm edge.
const (
	PhaseWatching       = "WATCHING"
	PhaseGoalWait       = "GOAL_WAIT"
	PhaseLive           = "LIVE"
	PhaseStopLossWait   = "STOP_LOSS_WAIT"
	PhaseStopLossActive = "STOP_LOSS_ACTIVE"
	PhaseCompleted      = "COMPLETED"
	PhaseSkipped        = "SKIPPED"
	PhaseCancelled      = "CANCELLED"
	PhaseFailed         = "FAILED"
)

var terminalPhases = []string{PhaseCompleted, PhaseSkipped, PhaseCancelled, PhaseFailed}

// IsTerminal reports whether a phase admits no further transitions.
func IsTerminal(phase string) bool {
	for _, p := range terminalPhases {
		if phase == p {
			return true
		}
	}
	return false
}

// Models

// Trade tracks one monitored event + market + selection through the
// goal-reactive lifecycle. Mutated only by the strategy engine.
type Trade struct {
	ID              string `gorm:"primaryKey"`
	EventID         string `gorm:"index"`
	EventName       string
	CompetitionName string
	MarketID        string
	MarketName      string
	MarketLine      decimal.Decimal `gorm:"type:decimal(10,2)"`
	SelectionID     int64
	SelectionName   string
	KickoffAt       time.Time `gorm:"index"`
	Phase           string    `gorm:"index"`

	// Price observations
	BaselinePrice   decimal.Decimal `gorm:"type:decimal(10,2)"`
	SpikePrice      decimal.Decimal `gorm:"type:decimal(10,2)"`
	SpikeAt         *time.Time
	SettledPrice    decimal.Decimal `gorm:"type:decimal(10,2)"`
	LastStablePrice decimal.Decimal `gorm:"type:decimal(10,2)"`
	StopBaseline    decimal.Decimal `gorm:"type:decimal(10,2)"`

	// Back (entry) leg. BackFilled accumulates fills from entry orders
	// that were cancelled or lapsed part-way; BackPrice is then the
	// size-weighted average across the fills and the working remainder.
	BackPrice    decimal.Decimal `gorm:"type:decimal(10,2)"`
	BackStake    decimal.Decimal `gorm:"type:decimal(20,2)"`
	BackFilled   decimal.Decimal `gorm:"type:decimal(20,2)"`
	BackOrderRef string
	BackMatched  bool

	// Lay (hedge) leg
	LayPrice    decimal.Decimal `gorm:"type:decimal(10,2)"`
	LayStake    decimal.Decimal `gorm:"type:decimal(20,2)"`
	LayOrderRef string

	EntryAttempts int
	ProfitLoss    decimal.Decimal `gorm:"type:decimal(20,2)"`
	SettledReason string
	LastError     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasBothLegs reports whether entry and hedge are both placed.
func (t *Trade) HasBothLegs() bool {
	return t.BackOrderRef != "" && t.LayOrderRef != ""
}

// TradeEvent is an append-only audit log entry. Never updated or deleted.
type TradeEvent struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TradeID   string `gorm:"index"`
	Type      string
	Payload   datatypes.JSON
	CreatedAt time.Time
}

// Settings holds the tunable strategy parameters, a single row read at
// startup and re-read each poll cycle.
type Settings struct {
	ID               uint            `gorm:"primaryKey"`
	StakeSize        decimal.Decimal `gorm:"type:decimal(20,2)"`
	SpikePct         decimal.Decimal `gorm:"type:decimal(10,4)"`
	SettleWindowSec  int
	EntryBandMin     decimal.Decimal `gorm:"type:decimal(10,2)"`
	EntryBandMax     decimal.Decimal `gorm:"type:decimal(10,2)"`
	ProfitTargetPct  decimal.Decimal `gorm:"type:decimal(10,4)"`
	StopLossPct      decimal.Decimal `gorm:"type:decimal(10,4)"`
	PollIntervalSec  int
	GoalCutoffMinute int
	AbandonAfterMin  int
	CommissionRate   decimal.Decimal `gorm:"type:decimal(10,4)"`
	MaxEntryAttempts int
	UpdatedAt        time.Time
}

// SettleWindow returns the settle window as a duration.
func (s *Settings) SettleWindow() time.Duration {
	return time.Duration(s.SettleWindowSec) * time.Second
}

// PollInterval returns the poll interval as a duration.
func (s *Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSec) * time.Second
}

// AbandonAfter returns the abandonment ceiling as a duration.
func (s *Settings) AbandonAfter() time.Duration {
	return time.Duration(s.AbandonAfterMin) * time.Minute
}

func defaultSettings() *Settings {
	return &Settings{
		ID:               1,
		StakeSize:        decimal.NewFromInt(10),
		SpikePct:         decimal.NewFromFloat(0.30),
		SettleWindowSec:  90,
		EntryBandMin:     decimal.NewFromFloat(2.5),
		EntryBandMax:     decimal.NewFromFloat(5.0),
		ProfitTargetPct:  decimal.NewFromFloat(0.10),
		StopLossPct:      decimal.NewFromFloat(0.05),
		PollIntervalSec:  30,
		GoalCutoffMinute: 45,
		AbandonAfterMin:  120,
		CommissionRate:   decimal.NewFromFloat(0.05),
		MaxEntryAttempts: 5,
	}
}

func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	// Check if this is a PostgreSQL connection string
	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		// SQLite fallback
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Trade{}, &TradeEvent{}, &Settings{}); err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

// Trade operations

func (d *Database) CreateTrade(trade *Trade) error {
	return d.db.Create(trade).Error
}

// SaveTrade persists a trade mutation. Terminal trades are immutable:
// once a stored record reaches a terminal phase no update is accepted.
func (d *Database) SaveTrade(trade *Trade) error {
	var stored Trade
	err := d.db.Select("phase").First(&stored, "id = ?", trade.ID).Error
	if err != nil {
		return err
	}
	if IsTerminal(stored.Phase) {
		return fmt.Errorf("trade %s is terminal (%s), refusing update", trade.ID, stored.Phase)
	}
	return d.db.Save(trade).Error
}

func (d *Database) GetTrade(id string) (*Trade, error) {
	var trade Trade
	err := d.db.First(&trade, "id = ?", id).Error
	return &trade, err
}

// ActiveTrades returns all trades that still need engine attention.
func (d *Database) ActiveTrades() ([]Trade, error) {
	var trades []Trade
	err := d.db.Where("phase NOT IN ?", terminalPhases).Order("kickoff_at ASC").Find(&trades).Error
	return trades, err
}

// CountActiveTrades returns the number of non-terminal trades.
func (d *Database) CountActiveTrades() (int64, error) {
	var n int64
	err := d.db.Model(&Trade{}).Where("phase NOT IN ?", terminalPhases).Count(&n).Error
	return n, err
}

// TrackedEventIDs returns the event ids already seeded, terminal or not,
// so fixture sync never double-seeds an event.
func (d *Database) TrackedEventIDs() (map[string]bool, error) {
	var ids []string
	if err := d.db.Model(&Trade{}).Pluck("event_id", &ids).Error; err != nil {
		return nil, err
	}
	tracked := make(map[string]bool, len(ids))
	for _, id := range ids {
		tracked[id] = true
	}
	return tracked, nil
}

// Event log operations

// AppendEvent writes one immutable audit entry for a trade.
func (d *Database) AppendEvent(tradeID, eventType string, payload map[string]any) error {
	var raw datatypes.JSON
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = datatypes.JSON(b)
	}
	return d.db.Create(&TradeEvent{
		TradeID: tradeID,
		Type:    eventType,
		Payload: raw,
	}).Error
}

func (d *Database) EventsForTrade(tradeID string) ([]TradeEvent, error) {
	var events []TradeEvent
	err := d.db.Where("trade_id = ?", tradeID).Order("id ASC").Find(&events).Error
	return events, err
}

// Settings operations

// GetSettings loads the settings row, inserting defaults on first run.
func (d *Database) GetSettings() (*Settings, error) {
	var s Settings
	err := d.db.First(&s, "id = ?", 1).Error
	if err == gorm.ErrRecordNotFound {
		s = *defaultSettings()
		if err := d.db.Create(&s).Error; err != nil {
			return nil, err
		}
		return &s, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *Database) SaveSettings(s *Settings) error {
	s.ID = 1
	return d.db.Save(s).Error
}
