package database

import (
	"path/filepath"
	"strings"
	"testing"

	"binance-position-engine/internal/config"
	"binance-position-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewDatabase_Memory(t *testing.T) {
	db, err := NewDatabase(config.Database{Driver: "sqlite", DSN: "file::memory:"}, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&models.Trade{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestNewDatabase_SQLiteMoneyColumnsAreText(t *testing.T) {
	db, err := NewDatabase(config.Database{Driver: "sqlite", DSN: "file::memory:"}, zap.NewNop())
	require.NoError(t, err)

	columns, err := db.Migrator().ColumnTypes(&models.Trade{})
	require.NoError(t, err)
	types := map[string]string{}
	for _, c := range columns {
		types[c.Name()] = strings.ToLower(c.DatabaseTypeName())
	}
	for _, name := range []string{"price", "quantity", "remaining_quantity", "usd_value", "commission",
		"commission_usd", "realized_pnl", "sell_target_price", "trailing_highest_profit"} {
		assert.Equal(t, "text", types[name], name)
	}
	assert.True(t, db.Migrator().HasIndex(&models.Trade{}, "idx_trades_env_exchange_trade"))
}

func TestNewDatabase_KeepsRowsAcrossReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "ledger.db")
	cfg := config.Database{Driver: "sqlite", DSN: dsn}

	db, err := NewDatabase(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.Create(&models.Trade{TradeID: "t-1", OrderType: models.OrderTypeBuy}).Error)
	sqlDB, _ := db.DB()
	require.NoError(t, sqlDB.Close())

	db, err = NewDatabase(cfg, zap.NewNop())
	require.NoError(t, err)
	var count int64
	require.NoError(t, db.Model(&models.Trade{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestNewDatabase_UnknownDriver(t *testing.T) {
	_, err := NewDatabase(config.Database{Driver: "oracle"}, zap.NewNop())
	assert.Error(t, err)
}
