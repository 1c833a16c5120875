package routes

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/rs/zerolog/log"
)

func respondOK(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, types.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// respondError translates err into the response envelope. Internal errors
// are logged and their text is not sent to the client.
func respondError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, types.APIResponse{
			Success: false,
			Error:   fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			Code:    types.ErrorCode(types.ErrValidation),
		})
		return
	}

	status := types.HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		message = "internal server error"
	} else {
		log.Debug().Err(err).Int("status", status).Str("path", c.Request.URL.Path).Msg("request rejected")
	}

	c.AbortWithStatusJSON(status, types.APIResponse{
		Success: false,
		Error:   message,
		Code:    types.ErrorCode(err),
	})
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", types.ErrValidation, fmt.Sprintf(format, args...))
}

func guideParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, invalid("invalid guide id %q", c.Param("id")))
		return uuid.Nil, false
	}
	return id, true
}

func slotParam(c *gin.Context) (int, bool) {
	slot, err := strconv.Atoi(c.Param("slot"))
	if err != nil || !types.ValidSlot(slot) {
		respondError(c, invalid("attachment slot must be between 1 and %d", types.AttachmentSlots))
		return 0, false
	}
	return slot, true
}
