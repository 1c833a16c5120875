package routes

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/lgulliver/waypoint/cmd/api-gateway/middleware"
	"github.com/lgulliver/waypoint/internal/upload"
	"github.com/lgulliver/waypoint/pkg/types"
)

// AuthService defines the contract for authentication services
type AuthService interface {
	middleware.TokenValidator
	Login(ctx context.Context, req *types.LoginRequest) (*types.AuthToken, error)
}

// GuideService defines the contract for the guide store
type GuideService interface {
	Create(ctx context.Context, req *types.CreateGuideRequest, createdBy uuid.UUID) (*types.Guide, error)
	Get(ctx context.Context, id uuid.UUID) (*types.Guide, error)
	List(ctx context.Context, filter *types.GuideFilter) ([]*types.Guide, int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// AttachmentService defines read and delete access to guide slots
type AttachmentService interface {
	Get(ctx context.Context, guideID uuid.UUID, slot int) (*types.Attachment, error)
	Open(ctx context.Context, guideID uuid.UUID, slot int) (*types.Attachment, io.ReadCloser, error)
	Delete(ctx context.Context, guideID uuid.UUID, slot int) error
}

// UploadService defines the server side of chunked and direct uploads
type UploadService interface {
	Init(ctx context.Context, req upload.InitRequest) (*types.UploadSession, error)
	ReceiveChunk(ctx context.Context, token string, index int, content io.Reader, checksum string) (int, error)
	Complete(ctx context.Context, token string, slot int) (*types.Attachment, error)
	Status(ctx context.Context, token string) (*types.UploadSession, error)
	Direct(ctx context.Context, req upload.DirectRequest) (*types.Attachment, error)
}
