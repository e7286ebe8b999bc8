package migration

import (
	"context"

	"github.com/smallbiznis/bookingpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg db.Config, log *zap.Logger) error {
		if cfg.Type == db.TypeSQLite {
			log.Info("applying sqlite schema")
			return ApplySQLiteSchema(context.Background(), conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
