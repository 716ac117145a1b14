package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Direction string

const (
	DirectionPlus  Direction = "PLUS"
	DirectionMinus Direction = "MINUS"
)

type Reason string

const (
	ReasonPayment     Reason = "PAYMENT"
	ReasonReferral    Reason = "REFERRAL"
	ReasonReward      Reason = "REWARD"
	ReasonHoldRelease Reason = "HOLD_RELEASE"
	ReasonWithdrawal  Reason = "WITHDRAWAL"
	ReasonReversal    Reason = "REVERSAL"
)

type BalanceType string

const (
	BalancePayment    BalanceType = "payment"
	BalanceHold       BalanceType = "hold"
	BalanceWithdrawal BalanceType = "withdrawal"
	BalanceStars      BalanceType = "stars"
	BalanceTickets    BalanceType = "tickets"
	BalanceTraffic    BalanceType = "traffic"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentCanceled  PaymentStatus = "CANCELED"
	PaymentFailed    PaymentStatus = "FAILED"
)

type User struct {
	ID           string    `gorm:"column:id;primaryKey;type:varchar(32)"`
	TelegramID   int64     `gorm:"column:telegram_id;uniqueIndex"`
	Username     string    `gorm:"column:username;type:varchar(64)"`
	IsPremium    bool      `gorm:"column:is_premium;default:false"`
	LanguageCode string    `gorm:"column:language_code;type:varchar(8)"`
	ReferralKey  string    `gorm:"column:referral_key;uniqueIndex;type:varchar(32)"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

// Balance is the materialized per-user aggregate. Every change to it is
// paired with a Transaction row written in the same database transaction.
type Balance struct {
	ID                    string          `gorm:"column:id;primaryKey;type:varchar(32)"`
	UserID                string          `gorm:"column:user_id;uniqueIndex;type:varchar(32);not null"`
	Payment               decimal.Decimal `gorm:"column:payment;type:numeric(20,3);not null;default:0"`
	Hold                  decimal.Decimal `gorm:"column:hold;type:numeric(20,3);not null;default:0"`
	Withdrawal            decimal.Decimal `gorm:"column:withdrawal;type:numeric(20,3);not null;default:0"`
	TotalEarnedWithdrawal decimal.Decimal `gorm:"column:total_earned_withdrawal;type:numeric(20,3);not null;default:0"`
	Traffic               int64           `gorm:"column:traffic;not null;default:0"`
	Stars                 decimal.Decimal `gorm:"column:stars;type:numeric(20,3);not null;default:0"`
	Tickets               decimal.Decimal `gorm:"column:tickets;type:numeric(20,3);not null;default:0"`
	CreatedAt             time.Time       `gorm:"column:created_at"`
	UpdatedAt             time.Time       `gorm:"column:updated_at"`
}

func (Balance) TableName() string { return "user_balances" }

// Transaction rows are append-only. Only is_hold is ever flipped, by the hold release sweep.
type Transaction struct {
	ID            string          `gorm:"column:id;primaryKey;type:varchar(32)"`
	BalanceID     string          `gorm:"column:balance_id;index;type:varchar(32);not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(20,3);not null"`
	Direction     Direction       `gorm:"column:direction;type:varchar(8);not null"`
	Reason        Reason          `gorm:"column:reason;type:varchar(16);not null"`
	BalanceType   BalanceType     `gorm:"column:balance_type;type:varchar(16);not null"`
	IsHold        bool            `gorm:"column:is_hold;index:idx_transactions_hold,priority:1;default:false"`
	HoldExpiredAt *time.Time      `gorm:"column:hold_expired_at;index:idx_transactions_hold,priority:2"`
	ReferenceID   string          `gorm:"column:reference_id;index;type:varchar(64)"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
}

// Referral edges are denormalized: a user has one edge per ancestor up to level 3.
type Referral struct {
	ID                       string          `gorm:"column:id;primaryKey;type:varchar(32)"`
	InviterID                string          `gorm:"column:inviter_id;uniqueIndex:idx_referral_edge,priority:1;type:varchar(32);not null"`
	ReferralID               string          `gorm:"column:referral_id;uniqueIndex:idx_referral_edge,priority:2;index;type:varchar(32);not null"`
	Level                    int             `gorm:"column:level;not null"`
	IsActivated              bool            `gorm:"column:is_activated;default:false"`
	TotalPaymentsRewarded    decimal.Decimal `gorm:"column:total_payments_rewarded;type:numeric(20,3);not null;default:0"`
	TotalWithdrawalsRewarded decimal.Decimal `gorm:"column:total_withdrawals_rewarded;type:numeric(20,3);not null;default:0"`
	CreatedAt                time.Time       `gorm:"column:created_at"`
}

type Payment struct {
	ID            string          `gorm:"column:id;primaryKey;type:varchar(32)"`
	Token         string          `gorm:"column:token;uniqueIndex;type:varchar(64);not null"`
	UserID        string          `gorm:"column:user_id;index;type:varchar(32);not null"`
	Status        PaymentStatus   `gorm:"column:status;index;type:varchar(16);not null"`
	AmountStars   decimal.Decimal `gorm:"column:amount_stars;type:numeric(20,3);not null"`
	CurrencyKey   string          `gorm:"column:currency_key;type:varchar(16)"`
	MethodKey     string          `gorm:"column:method_key;type:varchar(32)"`
	TransactionID string          `gorm:"column:transaction_id;type:varchar(32)"`
	Metadata      datatypes.JSON  `gorm:"column:metadata"`
	CompletedAt   *time.Time      `gorm:"column:completed_at"`
	CreatedAt     time.Time       `gorm:"column:created_at;index"`
	UpdatedAt     time.Time       `gorm:"column:updated_at"`
}

// Setting is the singleton row (id=1) holding referral and bonus configuration.
type Setting struct {
	ID                  int             `gorm:"column:id;primaryKey"`
	ReferralPercentLvl1 decimal.Decimal `gorm:"column:referral_percent_lvl1;type:numeric(6,4);not null;default:0"`
	ReferralPercentLvl2 decimal.Decimal `gorm:"column:referral_percent_lvl2;type:numeric(6,4);not null;default:0"`
	ReferralPercentLvl3 decimal.Decimal `gorm:"column:referral_percent_lvl3;type:numeric(6,4);not null;default:0"`
	InviteBonusStandard decimal.Decimal `gorm:"column:invite_bonus_standard;type:numeric(20,3);not null;default:0"`
	InviteBonusPremium  decimal.Decimal `gorm:"column:invite_bonus_premium;type:numeric(20,3);not null;default:0"`
	FreePlanDays        int             `gorm:"column:free_plan_days;not null;default:0"`
	HoldDays            int             `gorm:"column:hold_days;not null;default:21"`
	UpdatedAt           time.Time       `gorm:"column:updated_at"`
}

// Models lists every table owned by the ledger for migrations and tests.
func Models() []any {
	return []any{&User{}, &Balance{}, &Transaction{}, &Referral{}, &Payment{}, &Setting{}}
}

// Commission is one level of a referral payout.
type Commission struct {
	InviterID         string
	InviterTelegramID int64
	Level             int
	Amount            decimal.Decimal
	Bonus             decimal.Decimal
	HoldExpiredAt     time.Time
}

type CompleteResult struct {
	PaymentID        string
	UserID           string
	Credited         decimal.Decimal
	AlreadyCompleted bool
	Commissions      []Commission
}

// CompletedEvent is handed to post-commit hooks after a payment commits.
type CompletedEvent struct {
	PaymentID   string          `json:"payment_id"`
	Token       string          `json:"token"`
	UserID      string          `json:"user_id"`
	TelegramID  int64           `json:"telegram_id"`
	Amount      decimal.Decimal `json:"amount"`
	Commissions []Commission    `json:"commissions"`
	CompletedAt time.Time       `json:"completed_at"`
}

type SweepResult struct {
	Scanned  int64
	Released int64
	Skipped  int64
}

// Drift is reported by Reconcile for a balance column that does not match its transactions.
type Drift struct {
	BalanceType BalanceType
	Stored      decimal.Decimal
	Expected    decimal.Decimal
}
