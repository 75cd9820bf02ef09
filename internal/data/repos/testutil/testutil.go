package testutil

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/memory-import/internal/data/db"
	"github.com/yungbote/memory-import/internal/pkg/logger"
)

var (
	logOnce sync.Once
	logg    *logger.Logger
	logErr  error
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg, logErr = logger.New("test")
	})
	if logErr != nil {
		tb.Fatalf("failed to init logger: %v", logErr)
	}
	return logg
}

// DB returns a migrated database private to the test. TEST_POSTGRES_DSN selects Postgres;
// otherwise a SQLite file under the test's temp dir is used.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	opts := db.Options{Driver: db.DriverSQLite, Quiet: true}
	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		opts = db.Options{Driver: db.DriverPostgres, DSN: dsn, Quiet: true}
	} else {
		opts.DSN = filepath.Join(tb.TempDir(), "import-"+uuid.NewString()[:8]+".db")
	}
	svc, err := db.Open(opts, Logger(tb))
	if err != nil {
		tb.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrateAll(svc.DB()); err != nil {
		tb.Fatalf("auto-migrate: %v", err)
	}
	tb.Cleanup(func() { _ = svc.Close() })
	return svc.DB()
}

// Tx opens a transaction that is rolled back when the test ends.
func Tx(tb testing.TB, gdb *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := gdb.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return tx
}
