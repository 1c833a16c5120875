package guide

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lgulliver/waypoint/internal/attachment"
	"github.com/lgulliver/waypoint/internal/common"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/lgulliver/waypoint/pkg/utils"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const maxListLimit = 100

// Service manages guide records
type Service struct {
	db          *common.Database
	attachments *attachment.Store
}

// NewService creates a new guide service
func NewService(db *common.Database, attachments *attachment.Store) *Service {
	return &Service{
		db:          db,
		attachments: attachments,
	}
}

// Create stores a new guide
func (s *Service) Create(ctx context.Context, req *types.CreateGuideRequest, createdBy uuid.UUID) (*types.Guide, error) {
	slug := utils.SanitizeSlug(req.Slug)
	if slug == "" || strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title and slug are required", types.ErrValidation)
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&types.Guide{}).Where("slug = ?", slug).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check slug: %w", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: guide with slug %q already exists", types.ErrValidation, slug)
	}

	guide := &types.Guide{
		Title:       strings.TrimSpace(req.Title),
		Slug:        slug,
		Country:     strings.ToUpper(strings.TrimSpace(req.Country)),
		Description: req.Description,
		PriceCents:  req.PriceCents,
		Metadata:    types.JSONMap(req.Metadata),
		CreatedBy:   createdBy,
	}

	if err := s.db.WithContext(ctx).Create(guide).Error; err != nil {
		return nil, fmt.Errorf("failed to create guide: %w", err)
	}

	log.Info().Str("guide_id", guide.ID.String()).Str("slug", slug).Msg("guide created")
	return guide, nil
}

// Get returns a guide with its attachments
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*types.Guide, error) {
	var guide types.Guide
	err := s.db.WithContext(ctx).
		Preload("Attachments", func(db *gorm.DB) *gorm.DB { return db.Order("slot") }).
		First(&guide, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("guide %s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get guide: %w", err)
	}
	return &guide, nil
}

// Exists reports whether a guide with id exists
func (s *Service) Exists(ctx context.Context, id uuid.UUID) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&types.Guide{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to look up guide: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("guide %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// List returns guides matching the filter and the total match count
func (s *Service) List(ctx context.Context, filter *types.GuideFilter) ([]*types.Guide, int64, error) {
	query := s.db.WithContext(ctx).Model(&types.Guide{})

	if filter.Country != "" {
		query = query.Where("country = ?", strings.ToUpper(filter.Country))
	}
	if filter.Query != "" {
		query = query.Where("LOWER(title) LIKE LOWER(?)", "%"+filter.Query+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count guides: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	query = query.Limit(limit)
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var guides []*types.Guide
	if err := query.Order("created_at DESC").Preload("Attachments").Find(&guides).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list guides: %w", err)
	}

	return guides, total, nil
}

// Delete removes a guide and both of its attachment slots
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	err := s.attachments.DeleteGuide(ctx, id, func(tx *gorm.DB) error {
		result := tx.Delete(&types.Guide{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("failed to delete guide: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("guide %s: %w", id, types.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().Str("guide_id", id.String()).Msg("guide deleted")
	return nil
}
