package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migrate creates or alters the tables for models. Columns are never dropped.
func Migrate(ctx context.Context, db *gorm.DB, models ...any) error {
	if len(models) == 0 {
		return nil
	}

	start := time.Now()
	if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
		zap.L().Error("[DB] Migration failed", zap.Error(err))
		return fmt.Errorf("auto migrate: %w", err)
	}

	zap.L().Info("[DB] Migration finished",
		zap.Int("models", len(models)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}
