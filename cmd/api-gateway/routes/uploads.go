package routes

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lgulliver/waypoint/cmd/api-gateway/middleware"
	bodylimit "github.com/lgulliver/waypoint/internal/middleware"
	"github.com/lgulliver/waypoint/internal/upload"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/rs/zerolog/log"
)

const jsonBodyLimit = 1 << 20

// UploadLimits bounds request bodies on the upload routes
type UploadLimits struct {
	MaxChunkSize int64
	MaxFileSize  int64
}

// UploadRoutes sets up the chunked and direct attachment upload routes
func UploadRoutes(admin *gin.RouterGroup, uploads UploadService, limits UploadLimits) {
	group := admin.Group("/guides/:id")
	{
		group.POST("/upload-large-file/init", bodylimit.BodyLimit(jsonBodyLimit), initUpload(uploads))
		group.POST("/upload-large-file/chunk", bodylimit.BodyLimit(limits.MaxChunkSize), uploadChunk(uploads))
		group.POST("/upload-large-file/complete", bodylimit.BodyLimit(jsonBodyLimit), completeUpload(uploads))
		group.GET("/upload-large-file/:uploadId", uploadStatus(uploads))
		group.POST("/upload-large-file-direct", bodylimit.BodyLimit(limits.MaxFileSize), directUpload(uploads))
	}
}

func initUpload(uploads UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		guideID, ok := guideParam(c)
		if !ok {
			return
		}
		user, _ := middleware.GetUserFromContext(c)

		var req types.InitUploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, invalid("%v", err))
			return
		}

		session, err := uploads.Init(c.Request.Context(), upload.InitRequest{
			GuideID:      guideID,
			Slot:         req.AttachmentNumber,
			FileName:     req.FileName,
			MimeType:     req.FileType,
			DeclaredSize: req.FileSize,
			OriginalSize: req.OriginalSize,
			TotalChunks:  req.TotalChunks,
			Compressed:   req.Compressed,
			UploadedBy:   user.ID,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusOK, "Upload session created", types.InitUploadResponse{
			UploadID: session.Token,
		})
	}
}

func uploadChunk(uploads UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		guideID, ok := guideParam(c)
		if !ok {
			return
		}

		file, err := formFile(c, "chunk")
		if err != nil {
			respondError(c, err)
			return
		}
		defer closeForm(file)

		uploadID := c.PostForm("uploadId")
		if uploadID == "" {
			respondError(c, invalid("uploadId is required"))
			return
		}
		index, err := strconv.Atoi(c.PostForm("chunkIndex"))
		if err != nil {
			respondError(c, invalid("chunkIndex must be an integer"))
			return
		}

		if _, err := sessionForGuide(c, uploads, guideID, uploadID); err != nil {
			respondError(c, err)
			return
		}

		progress, err := uploads.ReceiveChunk(c.Request.Context(), uploadID, index, file, c.PostForm("checksum"))
		if err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusOK, "", types.ChunkUploadResponse{Progress: progress})
	}
}

func completeUpload(uploads UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		guideID, ok := guideParam(c)
		if !ok {
			return
		}

		var req types.CompleteUploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, invalid("%v", err))
			return
		}

		if _, err := sessionForGuide(c, uploads, guideID, req.UploadID); err != nil {
			respondError(c, err)
			return
		}

		attachment, err := uploads.Complete(c.Request.Context(), req.UploadID, req.AttachmentNumber)
		if err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusOK, "File uploaded successfully", attachment)
	}
}

func uploadStatus(uploads UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		guideID, ok := guideParam(c)
		if !ok {
			return
		}

		session, err := sessionForGuide(c, uploads, guideID, c.Param("uploadId"))
		if err != nil {
			respondError(c, err)
			return
		}

		missing := session.MissingChunks()
		if missing == nil {
			missing = []int{}
		}
		respondOK(c, http.StatusOK, "", types.UploadStatusResponse{
			UploadID:      session.Token,
			Status:        session.Status,
			TotalChunks:   session.TotalChunks,
			MissingChunks: missing,
			Progress:      session.Progress(),
			ExpiresAt:     session.ExpiresAt,
		})
	}
}

func directUpload(uploads UploadService) gin.HandlerFunc {
	return func(c *gin.Context) {
		guideID, ok := guideParam(c)
		if !ok {
			return
		}
		user, _ := middleware.GetUserFromContext(c)

		header, err := c.FormFile("file")
		if err != nil {
			respondError(c, formError("file", err))
			return
		}

		slot, err := strconv.Atoi(c.PostForm("attachmentNumber"))
		if err != nil {
			respondError(c, invalid("attachmentNumber must be an integer"))
			return
		}
		compressed, _ := strconv.ParseBool(c.PostForm("compressed"))
		var originalSize int64
		if value := c.PostForm("originalSize"); value != "" {
			if originalSize, err = strconv.ParseInt(value, 10, 64); err != nil {
				respondError(c, invalid("originalSize must be an integer"))
				return
			}
		}

		mimeType := c.PostForm("fileType")
		if mimeType == "" {
			mimeType = header.Header.Get("Content-Type")
		}

		file, err := header.Open()
		if err != nil {
			respondError(c, fmt.Errorf("failed to open uploaded file: %w", err))
			return
		}
		defer closeForm(file)

		attachment, err := uploads.Direct(c.Request.Context(), upload.DirectRequest{
			GuideID:      guideID,
			Slot:         slot,
			FileName:     header.Filename,
			MimeType:     mimeType,
			Size:         header.Size,
			OriginalSize: originalSize,
			Compressed:   compressed,
			Content:      file,
			UploadedBy:   user.ID,
		})
		if err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusOK, "File uploaded successfully", attachment)
	}
}

// sessionForGuide loads a session and hides it from other guides' routes
func sessionForGuide(c *gin.Context, uploads UploadService, guideID uuid.UUID, token string) (*types.UploadSession, error) {
	session, err := uploads.Status(c.Request.Context(), token)
	if err != nil {
		return nil, err
	}
	if session.GuideID != guideID {
		return nil, fmt.Errorf("upload session %s: %w", token, types.ErrNotFound)
	}
	return session, nil
}

func formFile(c *gin.Context, field string) (multipart.File, error) {
	header, err := c.FormFile(field)
	if err != nil {
		return nil, formError(field, err)
	}
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open uploaded %s: %w", field, err)
	}
	return file, nil
}

// formError keeps body-limit failures distinguishable from a missing field
func formError(field string, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return tooLarge
	}
	return invalid("%s is required", field)
}

func closeForm(file multipart.File) {
	if err := file.Close(); err != nil {
		log.Debug().Err(err).Msg("failed to close form file")
	}
}
