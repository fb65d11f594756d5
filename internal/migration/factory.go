package migration

import (
	"fmt"

	appconfig "github.com/BaSui01/queenbee/config"
	"github.com/BaSui01/queenbee/internal/database"
	"go.uber.org/zap"
)

// NewMigratorFromDatabaseConfig 按应用配置创建迁移器。sqlite 经 database.Open
// 打开连接，迁移器关闭时一并关闭。
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	cfg := Config{DatabaseType: dbType, Logger: logger}
	switch dbType {
	case DatabaseTypeSQLite:
		pm, err := database.Open(database.DriverSQLite, dbCfg.Name, database.PoolConfig{MaxOpenConns: 1}, logger)
		if err != nil {
			return nil, err
		}
		cfg.DB = pm.SQLDB()
	default:
		cfg.DatabaseURL = BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name, dbCfg.User, dbCfg.Password, dbCfg.SSLMode)
	}
	return NewMigrator(cfg)
}

// NewMigratorFromURL 按连接串创建 postgres 或 mysql 迁移器
func NewMigratorFromURL(dbType, dbURL string, logger *zap.Logger) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(Config{DatabaseType: dt, DatabaseURL: dbURL, Logger: logger})
}
