package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/netbox-sync/netbox-sync/internal/config"
	"github.com/ngrok/sqlmw"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	sqliteDriverName   = "sqlite3-metrics"
	postgresDriverName = "pgx-metrics"
)

func init() {
	sql.Register(sqliteDriverName, sqlmw.Driver(&sqlite3.SQLiteDriver{}, &metricInterceptor{}))
	sql.Register(postgresDriverName, sqlmw.Driver(stdlib.GetDefaultDriver(), &metricInterceptor{}))
}

// InitDB opens the run history database. Both drivers are wrapped so every
// statement is counted in the db_op metrics.
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	if !cfg.HistoryEnabled() {
		return nil, errors.New("run history is disabled: NETBOX_SYNC_DB_NAME is empty")
	}

	var dia gorm.Dialector
	if cfg.Database.Type == config.DBTypePostgres {
		dsn := fmt.Sprintf("host=%s user=%s password=%s port=%s dbname=%s",
			cfg.Database.Hostname,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.Port,
			cfg.Database.Name,
		)
		dia = postgres.New(postgres.Config{DriverName: postgresDriverName, DSN: dsn})
	} else {
		dia = sqlite.New(sqlite.Config{DriverName: sqliteDriverName, DSN: cfg.Database.Name})
	}

	newLogger := logger.New(
		logrus.New(),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)

	newDB, err := gorm.Open(dia, &gorm.Config{Logger: newLogger, TranslateError: true})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database")
	}

	sqlDB, err := newDB.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure connections")
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)

	if cfg.Database.Type == config.DBTypePostgres {
		var version string
		if result := newDB.Raw("SELECT version()").Scan(&version); result.Error != nil {
			return nil, result.Error
		}
		zap.S().Named("gorm").Infof("PostgreSQL information: '%s'", version)
	}

	return newDB, nil
}
