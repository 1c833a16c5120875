package uploader

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/lgulliver/waypoint/pkg/types"
)

// DirectParams describes a single request upload
type DirectParams struct {
	FileName     string
	MimeType     string
	Slot         int
	Compressed   bool
	OriginalSize int64
}

// Transport carries the upload protocol to the server
type Transport interface {
	Init(ctx context.Context, guideID uuid.UUID, req types.InitUploadRequest) (string, error)
	SendChunk(ctx context.Context, guideID uuid.UUID, uploadID string, index int, data []byte, checksum string) (int, error)
	Complete(ctx context.Context, guideID uuid.UUID, req types.CompleteUploadRequest) (*types.Attachment, error)
	SendDirect(ctx context.Context, guideID uuid.UUID, params DirectParams, data []byte) (*types.Attachment, error)
}

// StatusError is a non-2xx server response. It matches the taxonomy
// sentinel named by Code under errors.Is.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap returns the sentinel for Code. A bare 400 without a code still
// reports a validation failure.
func (e *StatusError) Unwrap() error {
	if err := types.ErrorForCode(e.Code); err != nil {
		return err
	}
	if e.StatusCode == http.StatusBadRequest {
		return types.ErrValidation
	}
	return nil
}
