package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/lgulliver/waypoint/internal/common"
	"github.com/lgulliver/waypoint/internal/storage"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Limits bounds attachment sizes in bytes
type Limits struct {
	MaxFileSize     int64
	MaxCombinedSize int64
}

// Store persists the two attachment slots of each guide. Content goes to
// blob storage under a fresh path per write and the row pointing at it is
// swapped in a transaction, so readers see the old file until the new one
// is committed.
type Store struct {
	db      *common.Database
	storage storage.BlobStorage
	limits  Limits
	locks   *common.KeyedMutex
}

// WriteRequest describes new content for one slot
type WriteRequest struct {
	GuideID    uuid.UUID
	Slot       int
	FileName   string
	MimeType   string
	Content    io.Reader
	UploadedBy uuid.UUID
	// ExpectedSize is checked against the bytes read when positive
	ExpectedSize int64
}

// NewStore creates an attachment store
func NewStore(db *common.Database, storage storage.BlobStorage, limits Limits) *Store {
	return &Store{
		db:      db,
		storage: storage,
		limits:  limits,
		locks:   common.NewKeyedMutex(),
	}
}

// Limits returns the configured size ceilings
func (s *Store) Limits() Limits {
	return s.limits
}

// Write replaces the content of a slot. On any error the previous content
// and metadata of the slot are left as they were.
func (s *Store) Write(ctx context.Context, req WriteRequest) (*types.Attachment, error) {
	if !types.ValidSlot(req.Slot) {
		return nil, fmt.Errorf("%w: attachment slot must be between 1 and %d", types.ErrValidation, types.AttachmentSlots)
	}
	if req.FileName == "" {
		return nil, fmt.Errorf("%w: file name is required", types.ErrValidation)
	}
	if req.Content == nil {
		return nil, fmt.Errorf("%w: content is required", types.ErrValidation)
	}

	unlock := s.locks.Lock(req.GuideID.String())
	defer unlock()

	if err := s.guideExists(ctx, req.GuideID); err != nil {
		return nil, err
	}

	otherSize, err := s.otherSlotsSize(s.db.WithContext(ctx), req.GuideID, req.Slot)
	if err != nil {
		return nil, err
	}

	allowance := s.limits.MaxFileSize
	if remaining := s.limits.MaxCombinedSize - otherSize; s.limits.MaxCombinedSize > 0 && (allowance <= 0 || remaining < allowance) {
		allowance = remaining
	}
	if s.limits.MaxCombinedSize > 0 && allowance <= 0 {
		return nil, fmt.Errorf("%w: combined attachment size limit of %s reached",
			types.ErrValidation, units.HumanSize(float64(s.limits.MaxCombinedSize)))
	}

	startTime := time.Now()
	blobPath := fmt.Sprintf("guides/%s/attachments/%d/%s", req.GuideID, req.Slot, uuid.NewString())
	reader := newMeasuringReader(req.Content, allowance)

	if err := s.storage.Store(ctx, blobPath, reader, req.MimeType); err != nil {
		if reader.exceeded {
			return nil, s.limitError(reader.n, otherSize)
		}
		return nil, fmt.Errorf("failed to store attachment content: %w", err)
	}

	if reader.n == 0 {
		s.discard(blobPath)
		return nil, fmt.Errorf("%w: attachment is empty", types.ErrValidation)
	}
	if req.ExpectedSize > 0 && reader.n != req.ExpectedSize {
		s.discard(blobPath)
		return nil, fmt.Errorf("%w: received %d bytes, expected %d", types.ErrCorruptData, reader.n, req.ExpectedSize)
	}

	var attachment types.Attachment
	var oldPath string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("guide_id = ? AND slot = ?", req.GuideID, req.Slot).First(&attachment).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			attachment = types.Attachment{GuideID: req.GuideID, Slot: req.Slot}
		case err != nil:
			return fmt.Errorf("failed to load attachment: %w", err)
		default:
			oldPath = attachment.StoragePath
		}

		attachment.FileName = req.FileName
		attachment.MimeType = req.MimeType
		attachment.Size = reader.n
		attachment.SHA256 = reader.sum()
		attachment.StoragePath = blobPath
		attachment.UploadedBy = req.UploadedBy

		if err := tx.Save(&attachment).Error; err != nil {
			return fmt.Errorf("failed to save attachment: %w", err)
		}
		return nil
	})
	if err != nil {
		s.discard(blobPath)
		return nil, err
	}

	if oldPath != "" && oldPath != blobPath {
		s.discard(oldPath)
	}

	log.Info().
		Str("guide_id", req.GuideID.String()).
		Int("slot", req.Slot).
		Str("file_name", req.FileName).
		Str("size", units.HumanSize(float64(reader.n))).
		Bool("replaced", oldPath != "").
		Dur("duration", time.Since(startTime)).
		Msg("attachment written")

	return &attachment, nil
}

// Get returns the metadata of a slot
func (s *Store) Get(ctx context.Context, guideID uuid.UUID, slot int) (*types.Attachment, error) {
	if !types.ValidSlot(slot) {
		return nil, fmt.Errorf("%w: attachment slot must be between 1 and %d", types.ErrValidation, types.AttachmentSlots)
	}

	var attachment types.Attachment
	err := s.db.WithContext(ctx).Where("guide_id = ? AND slot = ?", guideID, slot).First(&attachment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("attachment %d of guide %s: %w", slot, guideID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return &attachment, nil
}

// Open returns the metadata and content of a slot. The caller closes the reader.
func (s *Store) Open(ctx context.Context, guideID uuid.UUID, slot int) (*types.Attachment, io.ReadCloser, error) {
	attachment, err := s.Get(ctx, guideID, slot)
	if err != nil {
		return nil, nil, err
	}

	content, err := s.storage.Retrieve(ctx, attachment.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open attachment content: %w", err)
	}
	return attachment, content, nil
}

// List returns the populated slots of a guide ordered by slot
func (s *Store) List(ctx context.Context, guideID uuid.UUID) ([]types.Attachment, error) {
	var attachments []types.Attachment
	if err := s.db.WithContext(ctx).Where("guide_id = ?", guideID).Order("slot").Find(&attachments).Error; err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	return attachments, nil
}

// Delete clears one slot
func (s *Store) Delete(ctx context.Context, guideID uuid.UUID, slot int) error {
	unlock := s.locks.Lock(guideID.String())
	defer unlock()

	attachment, err := s.Get(ctx, guideID, slot)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Delete(&types.Attachment{}, "id = ?", attachment.ID).Error; err != nil {
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	s.discard(attachment.StoragePath)

	log.Info().Str("guide_id", guideID.String()).Int("slot", slot).Msg("attachment deleted")
	return nil
}

// DeleteGuide clears every slot of a guide and runs deleteOwner in the
// same transaction, then removes the stored content. Writes to the guide
// wait until the content is gone. A purge failure is logged, not returned,
// since the rows are already committed.
func (s *Store) DeleteGuide(ctx context.Context, guideID uuid.UUID, deleteOwner func(tx *gorm.DB) error) error {
	unlock := s.locks.Lock(guideID.String())
	defer unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("guide_id = ?", guideID).Delete(&types.Attachment{}).Error; err != nil {
			return fmt.Errorf("failed to delete attachments: %w", err)
		}
		if deleteOwner == nil {
			return nil
		}
		return deleteOwner(tx)
	})
	if err != nil {
		return err
	}

	if err := s.purge(ctx, guideID); err != nil {
		log.Warn().Err(err).Str("guide_id", guideID.String()).Msg("attachments deleted but content remains")
	}
	return nil
}

// purge removes all stored content of a guide
func (s *Store) purge(ctx context.Context, guideID uuid.UUID) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.storage.DeletePrefix(ctx, fmt.Sprintf("guides/%s/", guideID)); err != nil {
		return fmt.Errorf("failed to purge attachment content: %w", err)
	}
	return nil
}

func (s *Store) guideExists(ctx context.Context, guideID uuid.UUID) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&types.Guide{}).Where("id = ?", guideID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to look up guide: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("guide %s: %w", guideID, types.ErrNotFound)
	}
	return nil
}

func (s *Store) otherSlotsSize(db *gorm.DB, guideID uuid.UUID, slot int) (int64, error) {
	var total int64
	err := db.Model(&types.Attachment{}).
		Select("COALESCE(SUM(size), 0)").
		Where("guide_id = ? AND slot <> ?", guideID, slot).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum attachment sizes: %w", err)
	}
	return total, nil
}

func (s *Store) limitError(read, otherSize int64) error {
	if s.limits.MaxFileSize > 0 && read > s.limits.MaxFileSize {
		return fmt.Errorf("%w: attachment exceeds the %s file size limit",
			types.ErrValidation, units.HumanSize(float64(s.limits.MaxFileSize)))
	}
	return fmt.Errorf("%w: attachments would exceed the %s combined size limit (%s already used)",
		types.ErrValidation, units.HumanSize(float64(s.limits.MaxCombinedSize)), units.HumanSize(float64(otherSize)))
}

// discard deletes a blob with a detached context so cleanup survives a
// cancelled request
func (s *Store) discard(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.storage.Delete(ctx, path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to delete attachment blob")
	}
}

var errTooLarge = errors.New("content exceeds size limit")

// measuringReader hashes and counts what passes through it and fails once
// more than limit bytes were read. A non-positive limit disables the check.
type measuringReader struct {
	r        io.Reader
	hash     hash.Hash
	limit    int64
	n        int64
	exceeded bool
}

func newMeasuringReader(r io.Reader, limit int64) *measuringReader {
	return &measuringReader{r: r, hash: sha256.New(), limit: limit}
}

func (m *measuringReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.hash.Write(p[:n])
		m.n += int64(n)
		if m.limit > 0 && m.n > m.limit {
			m.exceeded = true
			return n, errTooLarge
		}
	}
	return n, err
}

func (m *measuringReader) sum() string {
	return hex.EncodeToString(m.hash.Sum(nil))
}
