// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"neora-go/internal/model"
)

// ErrNotFound 表示按 ID 查找的记录不存在。
var ErrNotFound = errors.New("record not found")

// MessageRepository 接口定义了消息记录的持久化操作。
type MessageRepository interface {
	Create(ctx context.Context, msg *model.Message) error
	// UpdateStatus 仅当记录当前状态为 from 时写入 to 与 text。
	UpdateStatus(ctx context.Context, id string, from, to model.Status, text *string) error
	FindByID(ctx context.Context, id string) (*model.Message, error)
	// ListByUser 按 created_at 降序返回，before 非空时只返回严格早于它的记录。
	ListByUser(ctx context.Context, userID string, before *time.Time, limit int) ([]model.Message, error)
	LatestCreatedAt(ctx context.Context, userID string) (time.Time, error)
	DeleteByUser(ctx context.Context, userID string) (int64, error)
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建一个新的 MessageRepository 实例。
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Create(ctx context.Context, msg *model.Message) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// UpdateStatus 以 compare-and-set 方式推进状态：WHERE 子句带上旧状态，
// 影响行数为 0 时区分记录不存在与状态已被推进。
func (r *messageRepository) UpdateStatus(ctx context.Context, id string, from, to model.Status, text *string) error {
	updates := map[string]interface{}{"status": to}
	if text != nil {
		updates["text"] = *text
	}
	res := r.db.WithContext(ctx).
		Model(&model.Message{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update message status: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, not %s", model.ErrInvalidTransition, id, current.Status, from)
}

func (r *messageRepository) FindByID(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	return &msg, nil
}

func (r *messageRepository) ListByUser(ctx context.Context, userID string, before *time.Time, limit int) ([]model.Message, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if before != nil {
		q = q.Where("created_at < ?", before.UTC())
	}
	var msgs []model.Message
	err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// LatestCreatedAt 返回该用户最新一条记录的创建时间，没有记录时返回零值。
func (r *messageRepository) LatestCreatedAt(ctx context.Context, userID string) (time.Time, error) {
	var msg model.Message
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(1).
		Find(&msg).Error
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read latest message: %w", err)
	}
	return msg.CreatedAt, nil
}

func (r *messageRepository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.Message{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", res.Error)
	}
	return res.RowsAffected, nil
}
