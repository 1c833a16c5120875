package guide

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/lgulliver/waypoint/internal/attachment"
	"github.com/lgulliver/waypoint/internal/common"
	"github.com/lgulliver/waypoint/internal/storage"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestService(t *testing.T) (*Service, *attachment.Store, storage.BlobStorage) {
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&types.Guide{}, &types.Attachment{}))

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := &common.Database{DB: gdb}
	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	attachments := attachment.NewStore(db, blobs, attachment.Limits{MaxFileSize: 1 << 20, MaxCombinedSize: 1 << 20})
	return NewService(db, attachments), attachments, blobs
}

func TestCreate(t *testing.T) {
	service, _, _ := setupTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	guide, err := service.Create(ctx, &types.CreateGuideRequest{
		Title:      "Blue Card",
		Slug:       " EU Blue_Card ",
		Country:    "de",
		PriceCents: 2900,
		Metadata:   map[string]interface{}{"pages": 42},
	}, userID)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, guide.ID)
	assert.Equal(t, "eu-blue-card", guide.Slug)
	assert.Equal(t, "DE", guide.Country)
	assert.Equal(t, userID, guide.CreatedBy)

	_, err = service.Create(ctx, &types.CreateGuideRequest{Title: "Dup", Slug: "eu-blue-card"}, userID)
	assert.True(t, errors.Is(err, types.ErrValidation))

	_, err = service.Create(ctx, &types.CreateGuideRequest{Title: "  ", Slug: "x"}, userID)
	assert.True(t, errors.Is(err, types.ErrValidation))
}

func TestGetAndList(t *testing.T) {
	service, attachments, _ := setupTestService(t)
	ctx := context.Background()

	de, err := service.Create(ctx, &types.CreateGuideRequest{Title: "Work visa Germany", Slug: "work-de", Country: "DE"}, uuid.New())
	require.NoError(t, err)
	_, err = service.Create(ctx, &types.CreateGuideRequest{Title: "Student visa Canada", Slug: "study-ca", Country: "CA"}, uuid.New())
	require.NoError(t, err)

	_, err = attachments.Write(ctx, attachment.WriteRequest{
		GuideID: de.ID, Slot: 2, FileName: "forms.pdf", Content: strings.NewReader("forms"),
	})
	require.NoError(t, err)

	got, err := service.Get(ctx, de.ID)
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, 2, got.Attachments[0].Slot)

	_, err = service.Get(ctx, uuid.New())
	assert.True(t, errors.Is(err, types.ErrNotFound))

	guides, total, err := service.List(ctx, &types.GuideFilter{Country: "de"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, guides, 1)
	assert.Equal(t, de.ID, guides[0].ID)

	guides, total, err = service.List(ctx, &types.GuideFilter{Query: "VISA", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, guides, 1)
}

func TestDeleteRemovesAttachments(t *testing.T) {
	service, attachments, blobs := setupTestService(t)
	ctx := context.Background()

	guide, err := service.Create(ctx, &types.CreateGuideRequest{Title: "Family reunion", Slug: "family"}, uuid.New())
	require.NoError(t, err)

	for slot := 1; slot <= types.AttachmentSlots; slot++ {
		_, err := attachments.Write(ctx, attachment.WriteRequest{
			GuideID: guide.ID, Slot: slot, FileName: "doc.pdf", Content: strings.NewReader("content"),
		})
		require.NoError(t, err)
	}

	require.NoError(t, service.Delete(ctx, guide.ID))

	_, err = service.Get(ctx, guide.ID)
	assert.True(t, errors.Is(err, types.ErrNotFound))

	list, err := attachments.List(ctx, guide.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	paths, err := blobs.List(ctx, "guides/")
	require.NoError(t, err)
	assert.Empty(t, paths)

	err = service.Delete(ctx, guide.ID)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}
