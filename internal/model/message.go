// Package model 包含了应用的数据模型定义。
package model

import (
	"errors"
	"time"
)

// Role 区分用户提交与助手回复。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status 是回复记录的生命周期状态。
type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusDone   Status = "done"
	StatusError  Status = "error"
)

// ErrInvalidTransition 表示请求的状态不在当前状态的允许后继中。
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions 只允许 queued → sent → {done | error}。
var transitions = map[Status][]Status{
	StatusQueued: {StatusSent},
	StatusSent:   {StatusDone, StatusError},
}

// IsTerminal 报告状态是否为终态。
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// CanAdvanceTo 报告 s → next 是否为合法迁移。
func (s Status) CanAdvanceTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Message 对应于数据库中的 'messages' 表，是一条用户提交或助手回复。
type Message struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(36);not null;index:idx_messages_user_created,priority:1" json:"-"`
	Role      Role      `gorm:"type:varchar(16);not null" json:"role"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	AudioURL  *string   `gorm:"type:varchar(2048)" json:"audio_url"`
	Status    Status    `gorm:"type:varchar(16);not null;default:'done'" json:"status"`
	CreatedAt time.Time `gorm:"not null;precision:6;index:idx_messages_user_created,priority:2" json:"created_at"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Message) TableName() string {
	return "messages"
}
