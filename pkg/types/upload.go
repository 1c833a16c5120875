package types

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a chunked upload session
type SessionStatus string

const (
	SessionInitialized SessionStatus = "initialized"
	SessionReceiving   SessionStatus = "receiving"
	SessionAssembling  SessionStatus = "assembling"
	SessionComplete    SessionStatus = "complete"
	SessionFailed      SessionStatus = "failed"
	SessionExpired     SessionStatus = "expired"
)

// Terminal reports whether no further chunk or complete call can succeed
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionComplete, SessionFailed, SessionExpired:
		return true
	}
	return false
}

// ChunkInfo records a received chunk. The bytes live in blob storage.
type ChunkInfo struct {
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
}

// UploadSession is the server-side record of one chunked transfer
type UploadSession struct {
	Token        string            `json:"token"`
	GuideID      uuid.UUID         `json:"guide_id"`
	Slot         int               `json:"slot"`
	FileName     string            `json:"file_name"`
	MimeType     string            `json:"mime_type"`
	DeclaredSize int64             `json:"declared_size"`
	OriginalSize int64             `json:"original_size,omitempty"`
	TotalChunks  int               `json:"total_chunks"`
	ChunkSize    int64             `json:"chunk_size,omitempty"`
	Compressed   bool              `json:"compressed"`
	Chunks       map[int]ChunkInfo `json:"chunks"`
	Status       SessionStatus     `json:"status"`
	UploadedBy   uuid.UUID         `json:"uploaded_by"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// Clone returns a deep copy of the session
func (s *UploadSession) Clone() *UploadSession {
	c := *s
	c.Chunks = make(map[int]ChunkInfo, len(s.Chunks))
	for i, info := range s.Chunks {
		c.Chunks[i] = info
	}
	return &c
}

// ReceivedBytes returns the sum of all stored chunk sizes
func (s *UploadSession) ReceivedBytes() int64 {
	var total int64
	for _, c := range s.Chunks {
		total += c.Size
	}
	return total
}

// ChunkLength returns the byte length chunk index must have, or 0 when the
// session does not fix a chunk size. Every chunk but the last is ChunkSize
// bytes; the last carries the remainder.
func (s *UploadSession) ChunkLength(index int) int64 {
	if s.ChunkSize <= 0 || index < 0 || index >= s.TotalChunks {
		return 0
	}
	if index < s.TotalChunks-1 {
		return s.ChunkSize
	}
	return s.DeclaredSize - int64(s.TotalChunks-1)*s.ChunkSize
}

// MissingChunks returns the indices in [0, TotalChunks) not yet received
func (s *UploadSession) MissingChunks() []int {
	var missing []int
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := s.Chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Progress returns the percentage of chunks received
func (s *UploadSession) Progress() int {
	if s.TotalChunks == 0 {
		return 0
	}
	return len(s.Chunks) * 100 / s.TotalChunks
}

// InitUploadRequest is the body of the chunked upload init call
type InitUploadRequest struct {
	FileName         string `json:"fileName" binding:"required"`
	FileSize         int64  `json:"fileSize" binding:"required,gt=0"`
	TotalChunks      int    `json:"totalChunks" binding:"required,gt=0"`
	FileType         string `json:"fileType"`
	Compressed       bool   `json:"compressed"`
	AttachmentNumber int    `json:"attachmentNumber" binding:"required"`
	OriginalSize     int64  `json:"originalSize"`
}

// InitUploadResponse carries the token of a new session
type InitUploadResponse struct {
	UploadID string `json:"uploadId"`
}

// ChunkUploadResponse reports session progress after a chunk
type ChunkUploadResponse struct {
	Progress int `json:"progress"`
}

// CompleteUploadRequest is the body of the complete call
type CompleteUploadRequest struct {
	UploadID         string `json:"uploadId" binding:"required"`
	AttachmentNumber int    `json:"attachmentNumber" binding:"required"`
}

// UploadStatusResponse describes an in-flight session
type UploadStatusResponse struct {
	UploadID      string        `json:"uploadId"`
	Status        SessionStatus `json:"status"`
	TotalChunks   int           `json:"totalChunks"`
	MissingChunks []int         `json:"missingChunks"`
	Progress      int           `json:"progress"`
	ExpiresAt     time.Time     `json:"expiresAt"`
}
