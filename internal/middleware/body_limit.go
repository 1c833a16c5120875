package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/rs/zerolog/log"
)

// multipartOverhead is headroom for form boundaries and text fields around
// the file part.
const multipartOverhead = 64 * 1024

// BodyLimit caps the request body at limit bytes plus multipart overhead.
// Requests that declare a larger Content-Length are rejected before reading;
// others fail with *http.MaxBytesError once the handler reads past the cap.
func BodyLimit(limit int64) gin.HandlerFunc {
	max := limit + multipartOverhead

	return func(c *gin.Context) {
		if c.Request.ContentLength > max {
			log.Warn().
				Int64("content_length", c.Request.ContentLength).
				Int64("limit", max).
				Str("path", c.Request.URL.Path).
				Msg("request body too large")
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, types.APIResponse{
				Success: false,
				Error:   "request body too large",
				Code:    types.ErrorCode(types.ErrValidation),
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}
