package db

import (
	"errors"
	"fmt"

	"github.com/smallbiznis/remittance/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Dialect maps the configured database type onto a gorm dialector.
// Times are always exchanged in UTC so window starts round-trip exactly.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch cfg.DBType {
	case "mysql":
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBHost,
			cfg.DBPort,
			cfg.DBName,
		)), nil
	case "postgres":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.DBHost,
			cfg.DBUser,
			cfg.DBPassword,
			cfg.DBName,
			cfg.DBPort,
			cfg.DBSSLMode,
		)), nil
	case "sqlite":
		name := cfg.DBName
		if name == "" || name == "postgres" {
			name = "remittance.db"
		}
		return sqlite.Open(name), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.DBType)
	}
}

var ErrUnsupportedDialect = errors.New("unsupported_database_type")

// SkipLocked returns the row lock suffix used when claiming ledger rows.
// Dialects without row locks get an empty suffix; their writers are
// serialized by the connection pool instead.
func SkipLocked(conn *gorm.DB) string {
	if conn == nil || conn.Config == nil || conn.Dialector == nil {
		return ""
	}
	switch conn.Dialector.Name() {
	case "postgres", "mysql":
		return "FOR UPDATE SKIP LOCKED"
	default:
		return ""
	}
}
