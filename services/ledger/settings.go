package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const settingsID = 1

// Settings is an immutable snapshot of the referral configuration used by one ledger operation.
type Settings struct {
	ReferralPercents    map[int]decimal.Decimal
	InviteBonusStandard decimal.Decimal
	InviteBonusPremium  decimal.Decimal
	FreePlanDays        int
	HoldDays            int
}

// Percent returns the commission fraction for a referral level, zero for unknown levels.
func (s Settings) Percent(level int) decimal.Decimal {
	if p, ok := s.ReferralPercents[level]; ok {
		return p
	}
	return decimal.Zero
}

// InviteBonus picks the one-time bonus by the referred user's premium flag.
func (s Settings) InviteBonus(premium bool) decimal.Decimal {
	if premium {
		return s.InviteBonusPremium
	}
	return s.InviteBonusStandard
}

func DefaultSettings(holdDays int) Settings {
	if holdDays <= 0 {
		holdDays = 21
	}
	return Settings{
		ReferralPercents: map[int]decimal.Decimal{
			1: decimal.RequireFromString("0.10"),
			2: decimal.RequireFromString("0.05"),
			3: decimal.RequireFromString("0.02"),
		},
		InviteBonusStandard: decimal.NewFromInt(10),
		InviteBonusPremium:  decimal.NewFromInt(20),
		FreePlanDays:        3,
		HoldDays:            holdDays,
	}
}

func (s Settings) toRow() *Setting {
	return &Setting{
		ID:                  settingsID,
		ReferralPercentLvl1: s.Percent(1),
		ReferralPercentLvl2: s.Percent(2),
		ReferralPercentLvl3: s.Percent(3),
		InviteBonusStandard: s.InviteBonusStandard,
		InviteBonusPremium:  s.InviteBonusPremium,
		FreePlanDays:        s.FreePlanDays,
		HoldDays:            s.HoldDays,
	}
}

func (row *Setting) snapshot() Settings {
	return Settings{
		ReferralPercents: map[int]decimal.Decimal{
			1: row.ReferralPercentLvl1,
			2: row.ReferralPercentLvl2,
			3: row.ReferralPercentLvl3,
		},
		InviteBonusStandard: row.InviteBonusStandard,
		InviteBonusPremium:  row.InviteBonusPremium,
		FreePlanDays:        row.FreePlanDays,
		HoldDays:            row.HoldDays,
	}
}

type SettingsProvider interface {
	Snapshot(ctx context.Context) (Settings, error)
}

// settingsStore reads the singleton row on every call; there is no cache.
type settingsStore struct {
	db       *gorm.DB
	fallback Settings
}

func NewSettingsProvider(db *gorm.DB, fallback Settings) SettingsProvider {
	return &settingsStore{db: db, fallback: fallback}
}

func (s *settingsStore) Snapshot(ctx context.Context) (Settings, error) {
	var rows []Setting
	if err := s.db.WithContext(ctx).Where("id = ?", settingsID).Limit(1).Find(&rows).Error; err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	if len(rows) == 0 {
		return s.fallback, nil
	}
	snap := rows[0].snapshot()
	if snap.HoldDays <= 0 {
		snap.HoldDays = s.fallback.HoldDays
	}
	return snap, nil
}

// SeedSettings inserts the singleton row when it does not exist yet.
func SeedSettings(ctx context.Context, db *gorm.DB, s Settings) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(s.toRow()).Error
}

// StaticSettings serves a fixed snapshot.
type StaticSettings Settings

func (s StaticSettings) Snapshot(context.Context) (Settings, error) {
	return Settings(s), nil
}
