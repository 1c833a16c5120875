package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/lgulliver/waypoint/internal/attachment"
	"github.com/lgulliver/waypoint/internal/common"
	"github.com/lgulliver/waypoint/internal/storage"
	"github.com/lgulliver/waypoint/pkg/compression"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/lgulliver/waypoint/pkg/utils"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
)

const chunkPrefix = "temp/uploads/"

// Config controls session limits. When ChunkSize is set every session must
// use it: totalChunks is ceil(size/ChunkSize), every chunk but the last is
// exactly ChunkSize bytes and the last holds the remainder.
type Config struct {
	SessionTTL   time.Duration
	ChunkSize    int64
	MaxChunkSize int64
	MaxFileSize  int64
	ReapInterval time.Duration
}

// Locker serializes work on one session across processes. Session stores
// shared between API instances implement it.
type Locker interface {
	Lock(ctx context.Context, token string) (func(), error)
}

// GuideChecker confirms a parent guide exists
type GuideChecker interface {
	Exists(ctx context.Context, id uuid.UUID) error
}

// AttachmentWriter commits finished uploads into a guide slot
type AttachmentWriter interface {
	Write(ctx context.Context, req attachment.WriteRequest) (*types.Attachment, error)
}

// InitRequest opens a chunked upload
type InitRequest struct {
	GuideID      uuid.UUID
	Slot         int
	FileName     string
	MimeType     string
	DeclaredSize int64
	OriginalSize int64
	TotalChunks  int
	Compressed   bool
	UploadedBy   uuid.UUID
}

// DirectRequest carries a whole file in one request
type DirectRequest struct {
	GuideID      uuid.UUID
	Slot         int
	FileName     string
	MimeType     string
	Size         int64
	OriginalSize int64
	Compressed   bool
	Content      io.Reader
	UploadedBy   uuid.UUID
}

// Manager runs the server side of chunked uploads. Chunk bytes are kept in
// blob storage under temp/uploads/<token>/<index>; session records live in a
// SessionStore. Operations on one token are serialized, across instances
// too when the store is a Locker.
type Manager struct {
	store       SessionStore
	blobs       storage.BlobStorage
	attachments AttachmentWriter
	guides      GuideChecker
	config      Config
	locks       *common.KeyedMutex
	shared      Locker
	now         func() time.Time
}

// NewManager creates an upload manager
func NewManager(store SessionStore, blobs storage.BlobStorage, attachments AttachmentWriter, guides GuideChecker, config Config) *Manager {
	m := &Manager{
		store:       store,
		blobs:       blobs,
		attachments: attachments,
		guides:      guides,
		config:      config,
		locks:       common.NewKeyedMutex(),
		now:         time.Now,
	}
	if locker, ok := store.(Locker); ok {
		m.shared = locker
	}
	return m
}

// lock takes the per-token lock of this process, then the shared one
func (m *Manager) lock(ctx context.Context, token string) (func(), error) {
	unlock := m.locks.Lock(token)
	if m.shared == nil {
		return unlock, nil
	}

	release, err := m.shared.Lock(ctx, token)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to lock upload session %s: %w", token, err)
	}
	return func() {
		release()
		unlock()
	}, nil
}

func chunkDir(token string) string {
	return chunkPrefix + token + "/"
}

func chunkPath(token string, index int) string {
	return fmt.Sprintf("%s%s/%d", chunkPrefix, token, index)
}

// Init validates the request and opens a new session
func (m *Manager) Init(ctx context.Context, req InitRequest) (*types.UploadSession, error) {
	if err := m.validateInit(&req); err != nil {
		return nil, err
	}
	if err := m.guides.Exists(ctx, req.GuideID); err != nil {
		return nil, err
	}

	now := m.now()
	session := &types.UploadSession{
		Token:        uuid.NewString(),
		GuideID:      req.GuideID,
		Slot:         req.Slot,
		FileName:     req.FileName,
		MimeType:     req.MimeType,
		DeclaredSize: req.DeclaredSize,
		OriginalSize: req.OriginalSize,
		TotalChunks:  req.TotalChunks,
		ChunkSize:    m.config.ChunkSize,
		Compressed:   req.Compressed,
		Chunks:       make(map[int]types.ChunkInfo),
		Status:       types.SessionInitialized,
		UploadedBy:   req.UploadedBy,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.config.SessionTTL),
	}

	if err := m.store.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create upload session: %w", err)
	}

	log.Info().
		Str("upload_id", session.Token).
		Str("guide_id", req.GuideID.String()).
		Int("slot", req.Slot).
		Str("file_name", req.FileName).
		Str("size", units.HumanSize(float64(req.DeclaredSize))).
		Int("total_chunks", req.TotalChunks).
		Bool("compressed", req.Compressed).
		Msg("upload session initialized")

	return session, nil
}

func (m *Manager) validateInit(req *InitRequest) error {
	req.FileName = utils.SanitizeFileName(req.FileName)
	if req.FileName == "" {
		return fmt.Errorf("%w: file name is required", types.ErrValidation)
	}
	if !types.ValidSlot(req.Slot) {
		return fmt.Errorf("%w: attachment number must be between 1 and %d", types.ErrValidation, types.AttachmentSlots)
	}
	if req.DeclaredSize <= 0 {
		return fmt.Errorf("%w: file size must be positive", types.ErrValidation)
	}
	if req.OriginalSize < 0 {
		return fmt.Errorf("%w: original size cannot be negative", types.ErrValidation)
	}
	if req.TotalChunks <= 0 || int64(req.TotalChunks) > req.DeclaredSize {
		return fmt.Errorf("%w: total chunks must be between 1 and the file size", types.ErrValidation)
	}
	if m.config.ChunkSize > 0 {
		if want := utils.CeilDiv(req.DeclaredSize, m.config.ChunkSize); int64(req.TotalChunks) != want {
			return fmt.Errorf("%w: %d bytes in %s chunks is %d chunks, not %d",
				types.ErrValidation, req.DeclaredSize, units.BytesSize(float64(m.config.ChunkSize)), want, req.TotalChunks)
		}
	}
	if m.config.MaxChunkSize > 0 && req.DeclaredSize > int64(req.TotalChunks)*m.config.MaxChunkSize {
		return fmt.Errorf("%w: %d chunks cannot carry %d bytes with a %s chunk limit",
			types.ErrValidation, req.TotalChunks, req.DeclaredSize, units.BytesSize(float64(m.config.MaxChunkSize)))
	}

	rawSize := req.OriginalSize
	if !req.Compressed {
		rawSize = req.DeclaredSize
	}
	if m.config.MaxFileSize > 0 && rawSize > m.config.MaxFileSize {
		return fmt.Errorf("%w: file exceeds the %s limit", types.ErrValidation, units.HumanSize(float64(m.config.MaxFileSize)))
	}
	return nil
}

// load returns a live session or the error describing why it is unusable
func (m *Manager) load(ctx context.Context, token string) (*types.UploadSession, error) {
	session, err := m.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, fmt.Errorf("upload session %s: %w", token, types.ErrNotFound)
	}
	if m.now().After(session.ExpiresAt) {
		return nil, fmt.Errorf("upload session %s: %w", token, types.ErrExpiredSession)
	}
	return session, nil
}

// ReceiveChunk stores chunk index of a session, replacing any earlier copy,
// and returns the percentage of chunks received. A non-empty checksum must
// be the hex blake3 digest of the chunk.
func (m *Manager) ReceiveChunk(ctx context.Context, token string, index int, content io.Reader, checksum string) (int, error) {
	if index < 0 {
		return 0, fmt.Errorf("%w: chunk index %d is negative", types.ErrValidation, index)
	}

	// read outside the session lock
	data, err := readChunk(content, m.config.MaxChunkSize)
	if err != nil {
		return 0, err
	}

	sum := blake3.New()
	sum.Write(data)
	digest := hex.EncodeToString(sum.Sum(nil))
	if checksum != "" && !strings.EqualFold(checksum, digest) {
		return 0, fmt.Errorf("%w: chunk %d checksum mismatch", types.ErrCorruptData, index)
	}

	unlock, err := m.lock(ctx, token)
	if err != nil {
		return 0, err
	}
	defer unlock()

	session, err := m.load(ctx, token)
	if err != nil {
		return 0, err
	}
	if index >= session.TotalChunks {
		return 0, fmt.Errorf("%w: chunk index %d outside [0, %d)", types.ErrValidation, index, session.TotalChunks)
	}
	if want := session.ChunkLength(index); want > 0 && int64(len(data)) != want {
		return 0, fmt.Errorf("%w: chunk %d is %d bytes, expected %d", types.ErrValidation, index, len(data), want)
	}

	others := session.ReceivedBytes() - session.Chunks[index].Size
	if others+int64(len(data)) > session.DeclaredSize {
		return 0, fmt.Errorf("%w: chunks exceed the declared size of %d bytes", types.ErrValidation, session.DeclaredSize)
	}

	if err := m.blobs.Store(ctx, chunkPath(token, index), bytes.NewReader(data), "application/octet-stream"); err != nil {
		return 0, fmt.Errorf("failed to store chunk %d: %w", index, err)
	}

	session.Chunks[index] = types.ChunkInfo{Size: int64(len(data)), Checksum: digest}
	session.Status = types.SessionReceiving
	if err := m.store.Save(ctx, session); err != nil {
		if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrExpiredSession) {
			// the session ended while the chunk was written
			if err := m.blobs.Delete(context.WithoutCancel(ctx), chunkPath(token, index)); err != nil {
				log.Warn().Err(err).Str("upload_id", token).Int("chunk", index).Msg("failed to delete chunk of a closed session")
			}
		}
		return 0, fmt.Errorf("failed to update upload session: %w", err)
	}

	log.Debug().
		Str("upload_id", token).
		Int("chunk", index).
		Int("size", len(data)).
		Int("received", len(session.Chunks)).
		Int("total", session.TotalChunks).
		Msg("chunk received")

	return session.Progress(), nil
}

func readChunk(content io.Reader, limit int64) ([]byte, error) {
	if content == nil {
		return nil, fmt.Errorf("%w: chunk is empty", types.ErrValidation)
	}

	reader := content
	if limit > 0 {
		reader = io.LimitReader(content, limit+1)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return nil, fmt.Errorf("failed to read chunk: %w", err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("%w: chunk is empty", types.ErrValidation)
	}
	if limit > 0 && int64(buf.Len()) > limit {
		return nil, fmt.Errorf("%w: chunk exceeds the %s limit", types.ErrValidation, units.BytesSize(float64(limit)))
	}
	return buf.Bytes(), nil
}

// Complete assembles a fully received session into its attachment slot.
// A session with missing chunks is left open so the client can send them.
// Integrity failures end the session.
func (m *Manager) Complete(ctx context.Context, token string, slot int) (*types.Attachment, error) {
	unlock, err := m.lock(ctx, token)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := m.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if slot != session.Slot {
		return nil, fmt.Errorf("%w: attachment number %d does not match session slot %d", types.ErrValidation, slot, session.Slot)
	}

	if missing := session.MissingChunks(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %d of %d chunks (first missing: %d)",
			types.ErrIncompleteUpload, len(missing), session.TotalChunks, missing[0])
	}

	if received := session.ReceivedBytes(); received != session.DeclaredSize {
		err := fmt.Errorf("%w: received %d bytes, declared %d", types.ErrCorruptData, received, session.DeclaredSize)
		m.fail(ctx, session, err)
		return nil, err
	}

	startTime := time.Now()
	session.Status = types.SessionAssembling
	if err := m.store.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update upload session: %w", err)
	}

	chunks := newChunkReader(ctx, m.blobs, token, session.TotalChunks)
	defer chunks.Close()

	var content io.Reader = chunks
	expected := session.OriginalSize
	if session.Compressed {
		zr, err := compression.NewReader(chunks)
		if err != nil {
			err = fmt.Errorf("%w: %w", types.ErrCorruptData, err)
			m.fail(ctx, session, err)
			return nil, err
		}
		defer zr.Close()
		content = zr
	} else if expected == 0 {
		expected = session.DeclaredSize
	}

	written, err := m.attachments.Write(ctx, attachment.WriteRequest{
		GuideID:      session.GuideID,
		Slot:         session.Slot,
		FileName:     session.FileName,
		MimeType:     session.MimeType,
		Content:      content,
		UploadedBy:   session.UploadedBy,
		ExpectedSize: expected,
	})
	if err != nil {
		if errors.Is(err, types.ErrCompression) {
			err = fmt.Errorf("%w: %w", types.ErrCorruptData, err)
		}
		if isSessionFatal(err) {
			m.fail(ctx, session, err)
			return nil, err
		}

		// infrastructure failure: keep the chunks so complete can be retried
		session.Status = types.SessionReceiving
		if saveErr := m.store.Save(ctx, session); saveErr != nil {
			log.Error().Err(saveErr).Str("upload_id", token).Msg("failed to reopen upload session")
		}
		return nil, err
	}

	session.Status = types.SessionComplete
	m.discard(ctx, session)

	log.Info().
		Str("upload_id", token).
		Str("guide_id", session.GuideID.String()).
		Int("slot", session.Slot).
		Str("size", units.HumanSize(float64(written.Size))).
		Bool("compressed", session.Compressed).
		Dur("duration", time.Since(startTime)).
		Msg("upload complete")

	return written, nil
}

func isSessionFatal(err error) bool {
	return errors.Is(err, types.ErrCorruptData) ||
		errors.Is(err, types.ErrValidation) ||
		errors.Is(err, types.ErrNotFound)
}

// fail marks the session failed and frees it
func (m *Manager) fail(ctx context.Context, session *types.UploadSession, cause error) {
	session.Status = types.SessionFailed
	log.Warn().
		Err(cause).
		Str("upload_id", session.Token).
		Str("guide_id", session.GuideID.String()).
		Int("slot", session.Slot).
		Msg("upload failed")
	m.discard(ctx, session)
}

// discard removes the session record and its chunks
func (m *Manager) discard(ctx context.Context, session *types.UploadSession) {
	ctx = context.WithoutCancel(ctx)
	if err := m.store.Delete(ctx, session.Token); err != nil {
		log.Warn().Err(err).Str("upload_id", session.Token).Msg("failed to delete upload session")
	}
	if err := m.blobs.DeletePrefix(ctx, chunkDir(session.Token)); err != nil {
		log.Warn().Err(err).Str("upload_id", session.Token).Msg("failed to delete upload chunks")
	}
}

// Status returns a snapshot of a live session
func (m *Manager) Status(ctx context.Context, token string) (*types.UploadSession, error) {
	unlock, err := m.lock(ctx, token)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return m.load(ctx, token)
}

// Direct writes a whole file into a slot without a session
func (m *Manager) Direct(ctx context.Context, req DirectRequest) (*types.Attachment, error) {
	req.FileName = utils.SanitizeFileName(req.FileName)
	if req.FileName == "" {
		return nil, fmt.Errorf("%w: file name is required", types.ErrValidation)
	}
	if !types.ValidSlot(req.Slot) {
		return nil, fmt.Errorf("%w: attachment number must be between 1 and %d", types.ErrValidation, types.AttachmentSlots)
	}
	if req.Content == nil {
		return nil, fmt.Errorf("%w: file is required", types.ErrValidation)
	}

	content := req.Content
	expected := req.OriginalSize
	if req.Compressed {
		zr, err := compression.NewReader(req.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", types.ErrCorruptData, err)
		}
		defer zr.Close()
		content = zr
	} else if expected == 0 {
		expected = req.Size
	}

	written, err := m.attachments.Write(ctx, attachment.WriteRequest{
		GuideID:      req.GuideID,
		Slot:         req.Slot,
		FileName:     req.FileName,
		MimeType:     req.MimeType,
		Content:      content,
		UploadedBy:   req.UploadedBy,
		ExpectedSize: expected,
	})
	if err != nil {
		if errors.Is(err, types.ErrCompression) && !errors.Is(err, types.ErrCorruptData) {
			err = fmt.Errorf("%w: %w", types.ErrCorruptData, err)
		}
		return nil, err
	}

	log.Info().
		Str("guide_id", req.GuideID.String()).
		Int("slot", req.Slot).
		Str("size", units.HumanSize(float64(written.Size))).
		Bool("compressed", req.Compressed).
		Msg("direct upload complete")

	return written, nil
}

// Reap expires overdue sessions and removes chunk directories that no
// longer belong to a session. It returns the number of sessions reclaimed.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	expired, err := m.store.Expired(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	reclaimed := 0
	for _, session := range expired {
		unlock, err := m.lock(ctx, session.Token)
		if err != nil {
			log.Warn().Err(err).Str("upload_id", session.Token).Msg("skipping expired session")
			continue
		}
		session.Status = types.SessionExpired
		log.Info().
			Str("upload_id", session.Token).
			Time("expires_at", session.ExpiresAt).
			Int("received", len(session.Chunks)).
			Int("total", session.TotalChunks).
			Msg("upload session expired")
		m.discard(ctx, session)
		unlock()
		reclaimed++
	}

	paths, err := m.blobs.List(ctx, chunkPrefix)
	if err != nil {
		return reclaimed, fmt.Errorf("failed to list upload chunks: %w", err)
	}

	seen := make(map[string]bool)
	for _, path := range paths {
		token, _, ok := strings.Cut(strings.TrimPrefix(path, chunkPrefix), "/")
		if !ok || seen[token] {
			continue
		}
		seen[token] = true

		unlock, err := m.lock(ctx, token)
		if err != nil {
			log.Warn().Err(err).Str("upload_id", token).Msg("skipping upload chunks")
			continue
		}
		_, err = m.store.Get(ctx, token)
		if errors.Is(err, types.ErrNotFound) {
			if err := m.blobs.DeletePrefix(ctx, chunkDir(token)); err != nil {
				log.Warn().Err(err).Str("upload_id", token).Msg("failed to delete orphaned chunks")
			} else {
				log.Info().Str("upload_id", token).Msg("orphaned upload chunks removed")
				reclaimed++
			}
		}
		unlock()
	}

	return reclaimed, nil
}

// Run reaps on the configured interval until ctx is cancelled
func (m *Manager) Run(ctx context.Context) {
	interval := m.config.ReapInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("upload session reaper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("upload session reaper stopped")
			return
		case <-ticker.C:
			reclaimed, err := m.Reap(ctx)
			if err != nil {
				log.Error().Err(err).Msg("upload session reap failed")
				continue
			}
			if reclaimed > 0 {
				log.Info().Int("reclaimed", reclaimed).Msg("upload sessions reaped")
			}
		}
	}
}
