package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	bybitEntity "tradepilot/internal/bybit/entity"
	signalEntity "tradepilot/internal/signal/entity"
)

type StopStrategy string

const (
	StrategyBreakEven    StopStrategy = "BREAK_EVEN"
	StrategyTrailingStop StopStrategy = "TRAILING_STOP"
)

type ApprovalMode string

const (
	ApprovalAutomatic ApprovalMode = "AUTOMATIC"
	ApprovalManual    ApprovalMode = "MANUAL"
)

type InitialSLMode string

const (
	InitialSLSignal InitialSLMode = "SIGNAL"
	InitialSLFixed  InitialSLMode = "FIXED"
)

type BreakerScope string

const (
	BreakerGlobal BreakerScope = "GLOBAL"
	BreakerSide   BreakerScope = "SIDE"
)

const TPDistributionEqual = "EQUAL"

type TradeSide string

const (
	SideLong  TradeSide = "LONG"
	SideShort TradeSide = "SHORT"
)

// ExchangeSide сторона позиции в терминах биржи
func (s TradeSide) ExchangeSide() bybitEntity.Side {
	if s == SideLong {
		return bybitEntity.SideBuy
	}
	return bybitEntity.SideSell
}

func SideFromExchange(s bybitEntity.Side) TradeSide {
	if s == bybitEntity.SideBuy {
		return SideLong
	}
	return SideShort
}

type TradeStatus string

const (
	StatusActive       TradeStatus = "ACTIVE"
	StatusClosedProfit TradeStatus = "CLOSED_PROFIT"
	StatusClosedLoss   TradeStatus = "CLOSED_LOSS"
	StatusClosedGhost  TradeStatus = "CLOSED_GHOST"
	StatusClosedManual TradeStatus = "CLOSED_MANUAL"
)

func (s TradeStatus) IsClosed() bool {
	return strings.HasPrefix(string(s), "CLOSED_")
}

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateOpen = errors.New("active trade already exists for symbol")
)

// UserConfig пользовательские настройки риска и управления позицией
type UserConfig struct {
	EntrySizePct    float64 `db:"entry_size_pct" json:"entry_size_pct"`
	MaxLeverage     int     `db:"max_leverage" json:"max_leverage"`
	MinConfidence   float64 `db:"min_confidence" json:"min_confidence"`
	RiskPerTradePct float64 `db:"risk_per_trade_pct" json:"risk_per_trade_pct"`

	InitialSLMode            InitialSLMode `db:"initial_sl_mode" json:"initial_sl_mode"`
	InitialSLFixedPct        float64       `db:"initial_sl_fixed_pct" json:"initial_sl_fixed_pct"`
	AdaptiveSLMaxPct         float64       `db:"adaptive_sl_max_pct" json:"adaptive_sl_max_pct"`
	AdaptiveSLTightenPct     float64       `db:"adaptive_sl_tighten_pct" json:"adaptive_sl_tighten_pct"`
	AdaptiveSLTimeoutMinutes int           `db:"adaptive_sl_timeout_minutes" json:"adaptive_sl_timeout_minutes"`

	StopStrategy       StopStrategy `db:"stop_strategy" json:"stop_strategy"`
	BETriggerPct       float64      `db:"be_trigger_pct" json:"be_trigger_pct"`
	TSTriggerPct       float64      `db:"ts_trigger_pct" json:"ts_trigger_pct"`
	StopGainTriggerPct float64      `db:"stop_gain_trigger_pct" json:"stop_gain_trigger_pct"`
	StopGainLockPct    float64      `db:"stop_gain_lock_pct" json:"stop_gain_lock_pct"`
	TPDistribution     string       `db:"tp_distribution" json:"tp_distribution"`

	CBThreshold        int          `db:"cb_threshold" json:"cb_threshold"`
	CBPauseMinutes     int          `db:"cb_pause_minutes" json:"cb_pause_minutes"`
	CBScope            BreakerScope `db:"cb_scope" json:"cb_scope"`
	CBReversalOverride bool         `db:"cb_reversal_override" json:"cb_reversal_override"`
	CBProbeFactor      float64      `db:"cb_probe_factor" json:"cb_probe_factor"`

	DailyProfitTarget float64 `db:"daily_profit_target" json:"daily_profit_target"`
	DailyLossLimit    float64 `db:"daily_loss_limit" json:"daily_loss_limit"`

	Whitelist StringList `db:"whitelist" json:"whitelist"`

	MAFilterEnabled  bool    `db:"ma_filter_enabled" json:"ma_filter_enabled"`
	MATimeframe      string  `db:"ma_timeframe" json:"ma_timeframe"`
	MAPeriod         int     `db:"ma_period" json:"ma_period"`
	RSIFilterEnabled bool    `db:"rsi_filter_enabled" json:"rsi_filter_enabled"`
	RSITimeframe     string  `db:"rsi_timeframe" json:"rsi_timeframe"`
	RSIPeriod        int     `db:"rsi_period" json:"rsi_period"`
	RSIOversold      float64 `db:"rsi_oversold" json:"rsi_oversold"`
	RSIOverbought    float64 `db:"rsi_overbought" json:"rsi_overbought"`

	ApprovalMode ApprovalMode `db:"approval_mode" json:"approval_mode"`

	CleanupEnabled      bool `db:"cleanup_enabled" json:"cleanup_enabled"`
	CleanupAfterMinutes int  `db:"cleanup_after_minutes" json:"cleanup_after_minutes"`

	SleepEnabled   bool `db:"sleep_enabled" json:"sleep_enabled"`
	SleepStartHour int  `db:"sleep_start_hour" json:"sleep_start_hour"`
	SleepEndHour   int  `db:"sleep_end_hour" json:"sleep_end_hour"`
}

// DefaultUserConfig значения для нового пользователя
func DefaultUserConfig() UserConfig {
	return UserConfig{
		EntrySizePct:   5,
		MaxLeverage:    10,
		InitialSLMode:  InitialSLSignal,
		StopStrategy:   StrategyBreakEven,
		TPDistribution: TPDistributionEqual,
		CBScope:        BreakerGlobal,
		CBProbeFactor:  1,
		MATimeframe:    "60",
		MAPeriod:       50,
		RSITimeframe:   "60",
		RSIPeriod:      14,
		RSIOversold:    30,
		RSIOverbought:  70,
		ApprovalMode:   ApprovalAutomatic,
	}
}

type User struct {
	ID           int64     `db:"id" json:"id"`
	Enabled      bool      `db:"enabled" json:"enabled"`
	EncAPIKey    string    `db:"api_key_enc" json:"-"`
	EncAPISecret string    `db:"api_secret_enc" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UserConfig
}

func (u *User) HasCredentials() bool {
	return u.EncAPIKey != "" && u.EncAPISecret != ""
}

// PendingSignal лимитный ордер, ожидающий исполнения. Не больше одного на (user, symbol).
type PendingSignal struct {
	ID                    int64         `db:"id"`
	UserID                int64         `db:"user_id"`
	Symbol                string        `db:"symbol"`
	OrderID               string        `db:"order_id"`
	NotificationMessageID int64         `db:"notification_message_id"`
	Payload               SignalPayload `db:"payload"`
	CreatedAt             time.Time     `db:"created_at"`
}

// ActiveTrade сделка под управлением движка; закрытые остаются в той же таблице со статусом CLOSED_*
type ActiveTrade struct {
	ID                    int64       `db:"id"`
	UserID                int64       `db:"user_id"`
	OrderID               string      `db:"order_id"`
	Symbol                string      `db:"symbol"`
	Side                  TradeSide   `db:"side"`
	Qty                   float64     `db:"qty"`
	EntryPrice            float64     `db:"entry_price"`
	InitialStopLoss       float64     `db:"initial_stop_loss"`
	CurrentStopLoss       float64     `db:"current_stop_loss"`
	IsBreakeven           bool        `db:"is_breakeven"`
	TrailHighWaterMark    *float64    `db:"trail_high_water_mark"`
	IsStopGainActive      bool        `db:"is_stop_gain_active"`
	InitialTargets        FloatList   `db:"initial_targets"`
	TotalInitialTargets   int         `db:"total_initial_targets"`
	LastTargetHit         *float64    `db:"last_target_hit"`
	RemainingQty          float64     `db:"remaining_qty"`
	Status                TradeStatus `db:"status"`
	NotificationMessageID int64       `db:"notification_message_id"`
	MissingCycles         int         `db:"missing_cycles"`
	LastSeenAt            *time.Time  `db:"last_seen_at"`
	UnrealizedPnlPct      float64     `db:"unrealized_pnl_pct"`
	IsSyncing             bool        `db:"is_syncing"`
	CreatedAt             time.Time   `db:"created_at"`
	ClosedAt              *time.Time  `db:"closed_at"`
	ClosedPnl             *float64    `db:"closed_pnl"`
}

func (t *ActiveTrade) IsLong() bool {
	return t.Side == SideLong
}

// TargetsHit число уже отработанных целей
func (t *ActiveTrade) TargetsHit() int {
	return t.TotalInitialTargets - len(t.InitialTargets)
}

// Close переводит сделку в терминальный статус
func (t *ActiveTrade) Close(status TradeStatus, pnl float64, at time.Time) {
	t.Status = status
	t.RemainingQty = 0
	t.ClosedPnl = &pnl
	closedAt := at.UTC()
	t.ClosedAt = &closedAt
	t.IsSyncing = false
}

// MergeFill переносит подтверждённые данные исполнения в уже существующую активную строку.
// Цели переписываются отдельно через TradeRepository.ResetTargets.
func (t *ActiveTrade) MergeFill(fill *ActiveTrade) {
	if fill.OrderID != "" {
		t.OrderID = fill.OrderID
	}
	t.Qty = fill.Qty
	t.RemainingQty = fill.Qty
	t.EntryPrice = fill.EntryPrice
	if fill.InitialStopLoss > 0 {
		t.InitialStopLoss = fill.InitialStopLoss
		// стоп двигается только в сторону защиты
		if t.CurrentStopLoss == 0 ||
			(t.IsLong() && fill.InitialStopLoss > t.CurrentStopLoss) ||
			(!t.IsLong() && fill.InitialStopLoss < t.CurrentStopLoss) {
			t.CurrentStopLoss = fill.InitialStopLoss
		}
	}
	t.InitialTargets = append(FloatList(nil), fill.InitialTargets...)
	t.TotalInitialTargets = len(fill.InitialTargets)
	t.LastTargetHit = nil
	if fill.NotificationMessageID != 0 {
		t.NotificationMessageID = fill.NotificationMessageID
	}
}

type SignalForApproval struct {
	ID                int64         `db:"id"`
	UserID            int64         `db:"user_id"`
	Symbol            string        `db:"symbol"`
	SourceName        string        `db:"source_name"`
	Payload           SignalPayload `db:"payload"`
	ApprovalMessageID int64         `db:"approval_message_id"`
	CreatedAt         time.Time     `db:"created_at"`
}

type AlertMessage struct {
	ID        int64     `db:"id"`
	UserID    int64     `db:"user_id"`
	MessageID int64     `db:"message_id"`
	CreatedAt time.Time `db:"created_at"`
}

type MonitoredTarget struct {
	ID          int64  `db:"id"`
	ChannelID   int64  `db:"channel_id"`
	TopicID     *int64 `db:"topic_id"`
	ChannelName string `db:"channel_name"`
	TopicName   string `db:"topic_name"`
}

// Matches проверяет, что сигнал пришёл из этого канала (и темы, если она задана)
func (m MonitoredTarget) Matches(channelID int64, topicID *int64) bool {
	if m.ChannelID != channelID {
		return false
	}
	if m.TopicID == nil {
		return true
	}
	return topicID != nil && *topicID == *m.TopicID
}

// SignalPayload исходный сигнал, хранится в JSONB
type SignalPayload struct {
	signalEntity.Signal
}

func (p SignalPayload) Value() (driver.Value, error) {
	return marshalJSON(p.Signal)
}

func (p *SignalPayload) Scan(src any) error {
	return scanJSON(src, &p.Signal)
}

// FloatList упорядоченный список цен в JSONB
type FloatList []float64

func (l FloatList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return marshalJSON([]float64(l))
}

func (l *FloatList) Scan(src any) error {
	var out []float64
	if err := scanJSON(src, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

// StringList смешанный список тикеров и категорий в JSONB
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return marshalJSON([]string(l))
}

func (l *StringList) Scan(src any) error {
	var out []string
	if err := scanJSON(src, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

// marshalJSON отдаёт строку: lib/pq передаёт []byte как bytea
func marshalJSON(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON source %T", src)
	}
}

// ParseAnchors разбирает список долей TP вида "50,30,20" или "50%, 30%".
// Значения должны быть конечными, положительными и не возрастать.
func ParseAnchors(raw string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(raw, ",") {
		p := strings.TrimSuffix(strings.TrimSpace(part), "%")
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("invalid anchor %q", part)
		}
		if v <= 0 {
			return nil, fmt.Errorf("anchor must be positive: %q", part)
		}
		if len(out) > 0 && v > out[len(out)-1] {
			return nil, fmt.Errorf("anchors must be non-increasing: %q", raw)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty anchor list")
	}
	return out, nil
}
