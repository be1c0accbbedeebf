// Package testutil 提供测试共用的数据库与数据构造工具。
package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"neora-go/internal/model"
)

// NewDB 返回一个已迁移的独立内存 SQLite 数据库，测试结束时关闭。
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Message{}))
	return db
}

// CreateUser 插入一个测试用户。
func CreateUser(t *testing.T, db *gorm.DB, email string) *model.User {
	t.Helper()

	user := &model.User{ID: uuid.NewString(), Email: email, PreferredLanguage: "en"}
	require.NoError(t, db.Create(user).Error)
	return user
}
