// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"neora-go/internal/model"
	"neora-go/internal/repository"
)

var (
	ErrEmptyText     = errors.New("message text is empty")
	ErrTextTooLong   = errors.New("message text is too long")
	ErrEmptyAudio    = errors.New("audio file is empty")
	ErrAudioTooLarge = errors.New("audio file is too large")
)

// NormalizeText 把连续空白折叠为单个空格并去掉首尾空白，按字符数校验长度。
func NormalizeText(text string, maxLength int) (string, error) {
	normalized := strings.Join(strings.Fields(text), " ")
	if normalized == "" {
		return "", ErrEmptyText
	}
	if maxLength > 0 && utf8.RuneCountInString(normalized) > maxLength {
		return "", fmt.Errorf("%w: limit is %d characters", ErrTextTooLong, maxLength)
	}
	return normalized, nil
}

// MessageService 管理消息记录及助手回复的状态机。
// 每次写入在返回前已提交，调用方可以据此广播对应状态。
type MessageService interface {
	CreateUserRecord(ctx context.Context, userID, text string, audioURL *string) (*model.Message, error)
	CreateAssistantPlaceholder(ctx context.Context, userID string) (*model.Message, error)
	// Advance 推进状态，text 只能随终态一起写入。
	Advance(ctx context.Context, msg *model.Message, next model.Status, text *string) (*model.Message, error)
	List(ctx context.Context, userID string, before *time.Time, limit int) ([]model.Message, error)
	Clear(ctx context.Context, userID string) (int64, error)
}

type messageService struct {
	repo            repository.MessageRepository
	defaultPageSize int
	maxPageSize     int
	now             func() time.Time
	locks           *userLocks
}

// NewMessageService 创建一个新的 MessageService 实例。
func NewMessageService(repo repository.MessageRepository, defaultPageSize, maxPageSize int) MessageService {
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	if defaultPageSize <= 0 || defaultPageSize > maxPageSize {
		defaultPageSize = maxPageSize
	}
	return &messageService{
		repo:            repo,
		defaultPageSize: defaultPageSize,
		maxPageSize:     maxPageSize,
		now:             time.Now,
		locks:           newUserLocks(),
	}
}

func (s *messageService) CreateUserRecord(ctx context.Context, userID, text string, audioURL *string) (*model.Message, error) {
	return s.create(ctx, userID, model.RoleUser, text, audioURL, model.StatusDone)
}

func (s *messageService) CreateAssistantPlaceholder(ctx context.Context, userID string) (*model.Message, error) {
	return s.create(ctx, userID, model.RoleAssistant, "", nil, model.StatusQueued)
}

func (s *messageService) create(ctx context.Context, userID string, role model.Role, text string, audioURL *string, status model.Status) (*model.Message, error) {
	// 读取最新时间与写入之间不能插入同一用户的另一条记录
	unlock := s.locks.lock(userID)
	defer unlock()

	createdAt, err := s.nextTimestamp(ctx, userID)
	if err != nil {
		return nil, err
	}
	msg := &model.Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		Role:      role,
		Text:      text,
		AudioURL:  audioURL,
		Status:    status,
		CreatedAt: createdAt,
	}
	if err := s.repo.Create(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// nextTimestamp 以库中该用户最新的 created_at 为下界分配时间（微秒精度），
// 时钟回拨或同一微秒内连续写入时顺延 1µs。调用方需持有该用户的锁。
func (s *messageService) nextTimestamp(ctx context.Context, userID string) (time.Time, error) {
	latest, err := s.repo.LatestCreatedAt(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	latest = latest.UTC()

	ts := s.now().UTC().Truncate(time.Microsecond)
	if !ts.After(latest) {
		ts = latest.Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return ts, nil
}

func (s *messageService) Advance(ctx context.Context, msg *model.Message, next model.Status, text *string) (*model.Message, error) {
	if !msg.Status.CanAdvanceTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, msg.Status, next)
	}
	if text != nil && !next.IsTerminal() {
		return nil, fmt.Errorf("%w: text set on non-terminal status %s", model.ErrInvalidTransition, next)
	}
	if err := s.repo.UpdateStatus(ctx, msg.ID, msg.Status, next, text); err != nil {
		return nil, err
	}

	updated := *msg
	updated.Status = next
	if text != nil {
		updated.Text = *text
	}
	return &updated, nil
}

func (s *messageService) List(ctx context.Context, userID string, before *time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = s.defaultPageSize
	}
	if limit > s.maxPageSize {
		limit = s.maxPageSize
	}
	return s.repo.ListByUser(ctx, userID, before, limit)
}

func (s *messageService) Clear(ctx context.Context, userID string) (int64, error) {
	return s.repo.DeleteByUser(ctx, userID)
}

// userLocks 按用户串行化记录创建。锁在最后一个持有者释放后即删除，
// 表的大小只取决于正在写入的用户数。
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

func (l *userLocks) lock(userID string) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
