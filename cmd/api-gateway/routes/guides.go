package routes

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/waypoint/cmd/api-gateway/middleware"
	apitypes "github.com/lgulliver/waypoint/cmd/api-gateway/types"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/rs/zerolog/log"
)

// AdminGroup returns the /admin group gated on an authenticated admin user
func AdminGroup(api *gin.RouterGroup, validator middleware.TokenValidator) *gin.RouterGroup {
	admin := api.Group("/admin")
	admin.Use(middleware.AuthMiddleware(validator))
	admin.Use(middleware.AdminOnly())
	return admin
}

// GuideRoutes sets up guide management and attachment slot routes
func GuideRoutes(admin *gin.RouterGroup, guides GuideService, attachments AttachmentService) {
	group := admin.Group("/guides")
	{
		group.POST("", createGuide(guides))
		group.GET("", listGuides(guides))
		group.GET("/:id", getGuide(guides))
		group.DELETE("/:id", deleteGuide(guides))
		group.GET("/:id/attachments/:slot", getAttachment(attachments))
		group.DELETE("/:id/attachments/:slot", deleteAttachment(attachments))
	}
}

func createGuide(guides GuideService) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, _ := middleware.GetUserFromContext(c)

		var req types.CreateGuideRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, invalid("%v", err))
			return
		}

		guide, err := guides.Create(c.Request.Context(), &req, user.ID)
		if err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusCreated, "Guide created successfully", guide)
	}
}

func listGuides(guides GuideService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter types.GuideFilter
		if err := c.ShouldBindQuery(&filter); err != nil {
			respondError(c, invalid("%v", err))
			return
		}

		result, total, err := guides.List(c.Request.Context(), &filter)
		if err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusOK, "", apitypes.PaginatedResponse{
			Data:       result,
			TotalCount: total,
			Limit:      filter.Limit,
			Offset:     filter.Offset,
		})
	}
}

func getGuide(guides GuideService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := guideParam(c)
		if !ok {
			return
		}

		guide, err := guides.Get(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusOK, "", guide)
	}
}

func deleteGuide(guides GuideService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := guideParam(c)
		if !ok {
			return
		}

		if err := guides.Delete(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusOK, "Guide deleted successfully", nil)
	}
}

// getAttachment returns slot metadata, or the content itself with ?download=true
func getAttachment(attachments AttachmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := guideParam(c)
		if !ok {
			return
		}
		slot, ok := slotParam(c)
		if !ok {
			return
		}

		if download, _ := strconv.ParseBool(c.Query("download")); !download {
			attachment, err := attachments.Get(c.Request.Context(), id, slot)
			if err != nil {
				respondError(c, err)
				return
			}
			respondOK(c, http.StatusOK, "", attachment)
			return
		}

		attachment, content, err := attachments.Open(c.Request.Context(), id, slot)
		if err != nil {
			respondError(c, err)
			return
		}
		defer func() {
			if err := content.Close(); err != nil {
				log.Warn().Err(err).Str("attachment_id", attachment.ID.String()).Msg("failed to close attachment content")
			}
		}()

		mimeType := attachment.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		c.DataFromReader(http.StatusOK, attachment.Size, mimeType, content, map[string]string{
			"Content-Disposition": fmt.Sprintf("attachment; filename=%q", attachment.FileName),
			"X-Content-SHA256":    attachment.SHA256,
		})
	}
}

func deleteAttachment(attachments AttachmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := guideParam(c)
		if !ok {
			return
		}
		slot, ok := slotParam(c)
		if !ok {
			return
		}

		if err := attachments.Delete(c.Request.Context(), id, slot); err != nil {
			respondError(c, err)
			return
		}

		respondOK(c, http.StatusOK, "Attachment deleted successfully", nil)
	}
}
