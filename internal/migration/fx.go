package migration

import (
	"github.com/smallbiznis/remittance/internal/config"
	"github.com/smallbiznis/remittance/internal/remittance/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if cfg.DBType != "postgres" {
			// Local sqlite/mysql runs have no versioned schema.
			log.Warn("running gorm auto-migrate", zap.String("db_type", cfg.DBType))
			return conn.AutoMigrate(&domain.RemittanceRecord{})
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		version, err := RunMigrations(sqlDB)
		if err != nil {
			return err
		}
		log.Info("ledger schema ready", zap.Uint("version", version))
		return nil
	}),
)
