// Package repositorytest 提供基于 SQLite 文件库的 gorm 账本存储，
// 让测试走和 MySQL 相同的仓储代码：条件更新、唯一键冲突翻译、ON CONFLICT 开户
package repositorytest

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"coinledger/internal/repository"
)

// NewSQLiteStore 每个测试一个独立的库文件
// SQLite 不支持 FOR UPDATE，_txlock=immediate 让事务一开始就拿写锁，
// 并发事务因此串行执行，效果等同于余额行锁
func NewSQLiteStore(t testing.TB) (repository.Store, *gorm.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ledger.db")
	dsn := fmt.Sprintf("file:%s?_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate", path)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, repository.AutoMigrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return repository.NewGormStore(db), db
}
