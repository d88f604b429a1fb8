package migration

import (
	"github.com/lunachat/luna/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(Run),
)

// Run applies embedded migrations on startup. Schema management is
// postgres-only; sqlite databases are created by tests via AutoMigrate.
func Run(cfg config.Config, gdb *gorm.DB, log *zap.Logger) error {
	if cfg.DBType != "postgres" {
		log.Info("skipping migrations", zap.String("db_type", cfg.DBType))
		return nil
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	if err := RunMigrations(sqlDB); err != nil {
		return err
	}
	log.Info("migrations applied")
	return nil
}
