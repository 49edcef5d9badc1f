// Package storage persists the tenant-scoped contact snapshot.
package storage

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database and migrates the contact table.
// driverName is "postgres" or "sqlite".
func Open(driverName, dsn string, log *logrus.Entry) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driverName) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "sqlite3", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, errors.Errorf("unsupported database driver %q", driverName)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(gormWriter{log}, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if dialector.Name() == "sqlite" {
		// sqlite allows a single writer
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "sqlite pool")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Contact{}); err != nil {
		return nil, errors.Wrap(err, "migrate contacts")
	}
	if log != nil {
		log.WithField("driver", dialector.Name()).Info("[db] connected")
	}
	return db, nil
}

type gormWriter struct {
	log *logrus.Entry
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	if w.log == nil {
		return
	}
	w.log.WithField("component", "gorm").Warnf(format, args...)
}
