package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type migrateProbe struct {
	ID   string `gorm:"primaryKey"`
	Name string
}

func TestMigrate(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:migrate?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, Migrate(context.Background(), db))
	require.False(t, db.Migrator().HasTable(&migrateProbe{}))

	require.NoError(t, Migrate(context.Background(), db, &migrateProbe{}))
	require.True(t, db.Migrator().HasTable(&migrateProbe{}))

	require.NoError(t, Migrate(context.Background(), db, &migrateProbe{}))
}
