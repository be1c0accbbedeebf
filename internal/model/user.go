package model

import "time"

// User 是凭证中 user_id 指向的账户。注册与登录由外部系统负责，这里只读取。
type User struct {
	ID                string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Email             string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	PreferredLanguage string    `gorm:"type:varchar(2);not null;default:'en'" json:"preferredLanguage"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (User) TableName() string {
	return "users"
}
