package reward

import (
	"time"

	"github.com/shopspring/decimal"
)

type AdsNetwork struct {
	ID        string    `gorm:"column:id;primaryKey;type:varchar(32)"`
	Key       string    `gorm:"column:key;uniqueIndex;type:varchar(32);not null"`
	Name      string    `gorm:"column:name;type:varchar(64)"`
	IsActive  bool      `gorm:"column:is_active;not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// AdsBlock is one rewardable placement. Condition is an optional CEL
// expression over user, block and now.
type AdsBlock struct {
	ID              string          `gorm:"column:id;primaryKey;type:varchar(32)"`
	NetworkID       string          `gorm:"column:network_id;index;type:varchar(32);not null"`
	BlockKey        string          `gorm:"column:block_key;type:varchar(64);not null"`
	Placement       string          `gorm:"column:placement;index;type:varchar(32);not null"`
	TaskType        string          `gorm:"column:task_type;type:varchar(32)"`
	RewardTraffic   int64           `gorm:"column:reward_traffic;not null;default:0"`
	RewardStars     decimal.Decimal `gorm:"column:reward_stars;type:numeric(20,3);not null;default:0"`
	RewardTickets   decimal.Decimal `gorm:"column:reward_tickets;type:numeric(20,3);not null;default:0"`
	DurationSeconds int             `gorm:"column:duration_seconds;not null;default:60"`
	Condition       string          `gorm:"column:condition;type:text"`
	IsActive        bool            `gorm:"column:is_active;not null"`
	CreatedAt       time.Time       `gorm:"column:created_at"`
}

// AdsView is the audit row of a reward session. is_claimed flips once.
type AdsView struct {
	ID            string          `gorm:"column:id;primaryKey;type:varchar(32)"`
	SessionID     string          `gorm:"column:session_id;uniqueIndex;type:varchar(36);not null"`
	UserID        string          `gorm:"column:user_id;index;type:varchar(32);not null"`
	BlockID       string          `gorm:"column:block_id;type:varchar(32);not null"`
	NetworkKey    string          `gorm:"column:network_key;type:varchar(32)"`
	RewardTraffic int64           `gorm:"column:reward_traffic;not null;default:0"`
	RewardStars   decimal.Decimal `gorm:"column:reward_stars;type:numeric(20,3);not null;default:0"`
	RewardTickets decimal.Decimal `gorm:"column:reward_tickets;type:numeric(20,3);not null;default:0"`
	IsClaimed     bool            `gorm:"column:is_claimed;default:false"`
	ClaimedAt     *time.Time      `gorm:"column:claimed_at"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
}

type RewardLog struct {
	ID        string          `gorm:"column:id;primaryKey;type:varchar(32)"`
	UserID    string          `gorm:"column:user_id;index;type:varchar(32);not null"`
	SessionID string          `gorm:"column:session_id;index;type:varchar(36)"`
	Traffic   int64           `gorm:"column:traffic;not null;default:0"`
	Stars     decimal.Decimal `gorm:"column:stars;type:numeric(20,3);not null;default:0"`
	Tickets   decimal.Decimal `gorm:"column:tickets;type:numeric(20,3);not null;default:0"`
	Source    string          `gorm:"column:source;type:varchar(32)"`
	CreatedAt time.Time       `gorm:"column:created_at"`
}

func Models() []any {
	return []any{&AdsNetwork{}, &AdsBlock{}, &AdsView{}, &RewardLog{}}
}

type Rewards struct {
	Traffic int64           `json:"traffic"`
	Stars   decimal.Decimal `json:"stars"`
	Tickets decimal.Decimal `json:"tickets"`
}

// Session is the hot state kept in redis for the lifetime of a reward session.
type Session struct {
	ID         string    `json:"sid"`
	UserID     string    `json:"uid"`
	BlockID    string    `json:"block_id"`
	BlockKey   string    `json:"block_key"`
	NetworkKey string    `json:"network_key"`
	Rewards    Rewards   `json:"rewards"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// SessionTicket is what the caller receives. The session id stays inside the token.
type SessionTicket struct {
	ProofToken string        `json:"proof_token"`
	Rewards    Rewards       `json:"rewards"`
	Duration   time.Duration `json:"-"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

const (
	ReasonInvalidToken       = "invalid_token"
	ReasonSessionMismatch    = "session_mismatch"
	ReasonSessionExpired     = "session_expired"
	ReasonVerificationFailed = "verification_failed"
	ReasonAlreadyUsed        = "already_used"
)

// Outcome of a confirmation. Rejections are values, not errors.
type Outcome struct {
	Granted bool     `json:"granted"`
	Reason  string   `json:"reason,omitempty"`
	Rewards *Rewards `json:"rewards,omitempty"`
}

type attempt struct {
	UserID   string            `json:"uid"`
	At       time.Time         `json:"at"`
	Evidence map[string]string `json:"evidence,omitempty"`
}

// eligibleBlock is an active block joined with its network key.
type eligibleBlock struct {
	AdsBlock
	NetworkKey string `gorm:"column:network_key"`
}
