package uploader

import (
	"context"
	"encoding/hex"
	"fmt"
	"mime"
	"path/filepath"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/lgulliver/waypoint/pkg/compression"
	"github.com/lgulliver/waypoint/pkg/retry"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/lgulliver/waypoint/pkg/utils"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
)

const (
	DefaultChunkThreshold = 50 * 1024 * 1024
	DefaultChunkSize      = 5 * 1024 * 1024
)

// Stage is the externally visible state of an upload
type Stage string

const (
	StageIdle        Stage = "idle"
	StageCompressing Stage = "compressing"
	StageUploading   Stage = "uploading"
	StageProcessing  Stage = "processing"
	StageComplete    Stage = "complete"
	StageError       Stage = "error"
)

// Progress is one update of an upload. Percent never decreases within an
// upload and only reaches 100 once the server has committed the file.
type Progress struct {
	Stage   Stage
	Percent int
	// Attempt is set while a transfer is being retried
	Attempt int
	Message string
}

// Observer receives progress updates on the uploading goroutine
type Observer func(Progress)

// Config controls strategy selection and limits
type Config struct {
	// Files larger than ChunkThreshold are always chunked
	ChunkThreshold int64
	ChunkSize      int64
	// Compress opts in to compression of files above compression.Threshold
	Compress         bool
	MaxFileSize      int64
	AllowedMimeTypes []string
	Retry            retry.Policy
}

// DefaultConfig returns the standard thresholds with compression enabled
func DefaultConfig() Config {
	return Config{
		ChunkThreshold: DefaultChunkThreshold,
		ChunkSize:      DefaultChunkSize,
		Compress:       true,
		MaxFileSize:    100_000_000,
		Retry:          retry.DefaultPolicy(),
	}
}

// File is the payload of an upload
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Target addresses the guide slot an upload fills
type Target struct {
	GuideID uuid.UUID
	Slot    int
}

// Result summarizes a finished upload
type Result struct {
	Attachment   *types.Attachment
	Chunked      bool
	Compressed   bool
	UploadID     string
	TotalChunks  int
	OriginalSize int64
	TransferSize int64
	Duration     time.Duration
}

// Orchestrator drives uploads against a Transport. Chunks are sent one at a
// time in index order.
type Orchestrator struct {
	transport Transport
	config    Config
	observer  Observer
}

// New creates an orchestrator. observer may be nil.
func New(transport Transport, config Config, observer Observer) *Orchestrator {
	if config.ChunkThreshold <= 0 {
		config.ChunkThreshold = DefaultChunkThreshold
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	return &Orchestrator{
		transport: transport,
		config:    config,
		observer:  observer,
	}
}

// UseChunks reports whether a file of size bytes takes the chunked path
func (o *Orchestrator) UseChunks(size int64) bool {
	return size > o.config.ChunkThreshold || compression.ShouldCompress(size, o.config.Compress)
}

// ChunkCount returns the number of chunks a payload of size bytes splits into
func (o *Orchestrator) ChunkCount(size int64) int {
	return int(utils.CeilDiv(size, o.config.ChunkSize))
}

// upload holds the state of one Upload call
type upload struct {
	*Orchestrator
	stage   Stage
	percent int
}

func (u *upload) emit(stage Stage, percent int, attempt int, format string, args ...interface{}) {
	if percent < u.percent {
		percent = u.percent
	}
	if percent > 100 {
		percent = 100
	}
	u.stage = stage
	u.percent = percent

	if u.observer != nil {
		u.observer(Progress{
			Stage:   stage,
			Percent: percent,
			Attempt: attempt,
			Message: fmt.Sprintf(format, args...),
		})
	}
}

func (u *upload) fail(err error) error {
	u.emit(StageError, u.percent, 0, "Upload failed: %v", err)
	return err
}

// Upload sends file to the target slot, choosing the direct or chunked
// path by size. Validation problems are reported before any request.
func (o *Orchestrator) Upload(ctx context.Context, file File, target Target) (*Result, error) {
	u := &upload{Orchestrator: o, stage: StageIdle}
	startTime := time.Now()

	if err := o.validate(&file, target); err != nil {
		return nil, u.fail(err)
	}

	size := int64(len(file.Data))
	result := &Result{
		Chunked:      o.UseChunks(size),
		Compressed:   compression.ShouldCompress(size, o.config.Compress),
		OriginalSize: size,
	}

	payload := file.Data
	if result.Compressed {
		u.emit(StageCompressing, 0, 0, "Compressing %s", units.HumanSize(float64(size)))
		compressed, err := compression.Compress(file.Data)
		if err != nil {
			return nil, u.fail(err)
		}
		payload = compressed.Data
		u.emit(StageCompressing, 10, 0, "Compressed to %s (%.0f%%)",
			units.HumanSize(float64(len(payload))), compressed.Ratio*100)
	}
	result.TransferSize = int64(len(payload))

	var err error
	if result.Chunked {
		err = u.sendChunked(ctx, file, target, payload, result)
	} else {
		err = u.sendDirect(ctx, file, target, payload, result)
	}
	if err != nil {
		return nil, u.fail(err)
	}

	result.Duration = time.Since(startTime)
	u.emit(StageComplete, 100, 0, "Upload complete")

	log.Info().
		Str("guide_id", target.GuideID.String()).
		Int("slot", target.Slot).
		Str("file_name", file.Name).
		Bool("chunked", result.Chunked).
		Bool("compressed", result.Compressed).
		Int64("transfer_size", result.TransferSize).
		Dur("duration", result.Duration).
		Msg("upload finished")

	return result, nil
}

func (o *Orchestrator) validate(file *File, target Target) error {
	file.Name = utils.SanitizeFileName(file.Name)
	if file.Name == "" {
		return fmt.Errorf("%w: file name is required", types.ErrValidation)
	}
	if len(file.Data) == 0 {
		return fmt.Errorf("%w: file is empty", types.ErrValidation)
	}
	if target.GuideID == uuid.Nil {
		return fmt.Errorf("%w: guide id is required", types.ErrValidation)
	}
	if !types.ValidSlot(target.Slot) {
		return fmt.Errorf("%w: attachment number must be between 1 and %d", types.ErrValidation, types.AttachmentSlots)
	}
	if o.config.MaxFileSize > 0 && int64(len(file.Data)) > o.config.MaxFileSize {
		return fmt.Errorf("%w: file is %s, the limit is %s", types.ErrValidation,
			units.HumanSize(float64(len(file.Data))), units.HumanSize(float64(o.config.MaxFileSize)))
	}

	if file.MimeType == "" {
		file.MimeType = mime.TypeByExtension(filepath.Ext(file.Name))
	}
	if file.MimeType == "" {
		file.MimeType = "application/octet-stream"
	}
	if len(o.config.AllowedMimeTypes) > 0 {
		mediaType, _, err := mime.ParseMediaType(file.MimeType)
		if err != nil {
			mediaType = file.MimeType
		}
		allowed := false
		for _, t := range o.config.AllowedMimeTypes {
			if t == mediaType {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: file type %s is not allowed", types.ErrValidation, mediaType)
		}
	}
	return nil
}

// retryPolicy returns the configured policy reporting retries at percent.
// Rejected requests and cancellation end the loop at once.
func (u *upload) retryPolicy(what string) retry.Policy {
	policy := u.config.Retry
	policy.Retryable = retry.IsRetryable
	policy.OnRetry = func(e retry.Event) {
		u.emit(u.stage, u.percent, e.Attempt+1, "%s failed, retrying in %s (attempt %d of %d)",
			what, e.Delay, e.Attempt+1, e.MaxAttempts)
	}
	return policy
}

func (u *upload) sendChunked(ctx context.Context, file File, target Target, payload []byte, result *Result) error {
	size := int64(len(payload))
	total := u.ChunkCount(size)
	result.TotalChunks = total

	u.emit(StageUploading, 10, 0, "Starting upload of %d chunks", total)

	req := types.InitUploadRequest{
		FileName:         file.Name,
		FileSize:         size,
		TotalChunks:      total,
		FileType:         file.MimeType,
		Compressed:       result.Compressed,
		AttachmentNumber: target.Slot,
	}
	if result.Compressed {
		req.OriginalSize = result.OriginalSize
	}

	uploadID, err := u.transport.Init(ctx, target.GuideID, req)
	if err != nil {
		return fmt.Errorf("init upload: %w", err)
	}
	result.UploadID = uploadID

	for index := 0; index < total; index++ {
		start := int64(index) * u.config.ChunkSize
		end := min(start+u.config.ChunkSize, size)
		chunk := payload[start:end]

		sum := blake3.New()
		sum.Write(chunk)
		checksum := hex.EncodeToString(sum.Sum(nil))

		policy := u.retryPolicy(fmt.Sprintf("Chunk %d of %d", index+1, total))
		_, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (int, error) {
			return u.transport.SendChunk(ctx, target.GuideID, uploadID, index, chunk, checksum)
		})
		if err != nil {
			return fmt.Errorf("send chunk %d: %w", index, err)
		}

		u.emit(StageUploading, 10+80*(index+1)/total, 0, "Uploaded chunk %d of %d", index+1, total)
	}

	u.emit(StageProcessing, 90, 0, "Processing upload")
	attachment, err := u.transport.Complete(ctx, target.GuideID, types.CompleteUploadRequest{
		UploadID:         uploadID,
		AttachmentNumber: target.Slot,
	})
	if err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}
	result.Attachment = attachment
	return nil
}

func (u *upload) sendDirect(ctx context.Context, file File, target Target, payload []byte, result *Result) error {
	u.emit(StageUploading, 10, 0, "Uploading %s", units.HumanSize(float64(len(payload))))

	params := DirectParams{
		FileName:   file.Name,
		MimeType:   file.MimeType,
		Slot:       target.Slot,
		Compressed: result.Compressed,
	}
	if result.Compressed {
		params.OriginalSize = result.OriginalSize
	}

	attachment, err := retry.Do(ctx, u.retryPolicy("Upload"), func(ctx context.Context, attempt int) (*types.Attachment, error) {
		return u.transport.SendDirect(ctx, target.GuideID, params, payload)
	})
	if err != nil {
		return fmt.Errorf("direct upload: %w", err)
	}

	u.emit(StageProcessing, 90, 0, "Processing upload")
	result.Attachment = attachment
	return nil
}
