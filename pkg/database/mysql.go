// Package database 负责 MySQL 与 Redis 连接的初始化。
package database

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"neora-go/internal/model"
	"neora-go/pkg/log"
)

var DB *gorm.DB

// 时间列精确到微秒，与 created_at 的分配精度一致，否则同一毫秒内的记录会并列。
const datetimePrecision = 6

// MySQLDialector 返回时间列默认为 datetime(6) 的 MySQL 方言。
func MySQLDialector(dsn string) gorm.Dialector {
	precision := datetimePrecision
	return mysql.New(mysql.Config{
		DSN:                      dsn,
		DefaultDatetimePrecision: &precision,
	})
}

// InitMySQL 初始化 MySQL 数据库连接并迁移 messages / users 表。
func InitMySQL(dsn string) error {
	db, err := gorm.Open(MySQLDialector(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)           // 设置空闲连接池中连接的最大数量
	sqlDB.SetMaxOpenConns(100)          // 设置打开数据库连接的最大数量
	sqlDB.SetConnMaxLifetime(time.Hour) // 设置了连接可复用的最大时间

	if err := db.AutoMigrate(&model.User{}, &model.Message{}); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}

	DB = db
	log.Info("MySQL database connected successfully")
	return nil
}

// CloseMySQL 关闭连接池。
func CloseMySQL() {
	if DB == nil {
		return
	}
	if sqlDB, err := DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
