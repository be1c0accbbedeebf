package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neora-go/internal/model"
	"neora-go/internal/testutil"
)

func seed(t *testing.T, repo MessageRepository, userID string, at time.Time, status model.Status) *model.Message {
	t.Helper()
	msg := &model.Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		Role:      model.RoleAssistant,
		Status:    status,
		CreatedAt: at.UTC(),
	}
	require.NoError(t, repo.Create(context.Background(), msg))
	return msg
}

func TestMessageRepository_UpdateStatusCAS(t *testing.T) {
	repo := NewMessageRepository(testutil.NewDB(t))
	ctx := context.Background()
	msg := seed(t, repo, "u-1", time.Now(), model.StatusQueued)

	require.NoError(t, repo.UpdateStatus(ctx, msg.ID, model.StatusQueued, model.StatusSent, nil))

	// 旧状态不匹配时不写入。
	err := repo.UpdateStatus(ctx, msg.ID, model.StatusQueued, model.StatusSent, nil)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	text := "final"
	require.NoError(t, repo.UpdateStatus(ctx, msg.ID, model.StatusSent, model.StatusDone, &text))

	got, err := repo.FindByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.Equal(t, "final", got.Text)

	err = repo.UpdateStatus(ctx, "missing", model.StatusQueued, model.StatusSent, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMessageRepository_ListByUser(t *testing.T) {
	repo := NewMessageRepository(testutil.NewDB(t))
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var seeded []*model.Message
	for i := 0; i < 5; i++ {
		seeded = append(seeded, seed(t, repo, "u-1", base.Add(time.Duration(i)*time.Second), model.StatusDone))
	}
	seed(t, repo, "u-2", base.Add(10*time.Second), model.StatusDone)

	all, err := repo.ListByUser(ctx, "u-1", nil, 10)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, seeded[4].ID, all[0].ID)
	assert.Equal(t, seeded[0].ID, all[4].ID)

	cursor := seeded[3].CreatedAt
	page, err := repo.ListByUser(ctx, "u-1", &cursor, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, seeded[2].ID, page[0].ID)
	assert.Equal(t, seeded[1].ID, page[1].ID)
	for _, m := range page {
		assert.True(t, m.CreatedAt.Before(cursor))
	}

	latest, err := repo.LatestCreatedAt(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, latest.Equal(seeded[4].CreatedAt))

	none, err := repo.LatestCreatedAt(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}

func TestMessageRepository_DeleteByUser(t *testing.T) {
	repo := NewMessageRepository(testutil.NewDB(t))
	ctx := context.Background()
	seed(t, repo, "u-1", time.Now(), model.StatusDone)
	seed(t, repo, "u-1", time.Now().Add(time.Second), model.StatusDone)
	keep := seed(t, repo, "u-2", time.Now(), model.StatusDone)

	n, err := repo.DeleteByUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = repo.FindByID(ctx, keep.ID)
	require.NoError(t, err)
}

func TestUserRepository_FindByID(t *testing.T) {
	db := testutil.NewDB(t)
	user := testutil.CreateUser(t, db, "a@example.com")
	repo := NewUserRepository(db)

	got, err := repo.FindByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.Email)

	_, err = repo.FindByID(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
