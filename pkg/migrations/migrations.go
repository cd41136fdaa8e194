package migrations

import (
	"embed"

	"github.com/netbox-sync/netbox-sync/internal/config"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var embedMigrations embed.FS

const migrationDir = "sql"

// MigrateStore brings the run history schema up to date.
func MigrateStore(db *gorm.DB, dbType string) error {
	goose.SetLogger(&logger{})
	goose.SetBaseFS(embedMigrations)

	dialect, err := gooseDialect(dbType)
	if err != nil {
		return err
	}
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	if err := goose.Up(sqlDB, migrationDir); err != nil {
		return errors.Wrap(err, "failed to migrate run history")
	}
	return nil
}

func gooseDialect(dbType string) (string, error) {
	switch dbType {
	case config.DBTypeSQLite:
		return "sqlite3", nil
	case config.DBTypePostgres:
		return "postgres", nil
	default:
		return "", errors.Errorf("unsupported database type %q", dbType)
	}
}

/*
logger implements goose.Logger interface

	type Logger interface {
		Fatalf(format string, v ...interface{})
		Printf(format string, v ...interface{})
	}
*/
type logger struct{}

func (m *logger) Printf(format string, v ...interface{}) { zap.S().Named("migrations").Infof(format, v...) }
func (m *logger) Fatalf(format string, v ...interface{}) { zap.S().Named("migrations").Fatalf(format, v...) }
