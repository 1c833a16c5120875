package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func echoRouter(limit int64) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestLogger(), BodyLimit(limit))
	router.POST("/echo", func(c *gin.Context) {
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.Status(http.StatusRequestEntityTooLarge)
				return
			}
			c.Status(http.StatusBadRequest)
			return
		}
		c.Data(http.StatusOK, "application/octet-stream", data)
	})
	return router
}

func TestBodyLimit_WithinLimit(t *testing.T) {
	router := echoRouter(1024)

	body := bytes.Repeat([]byte("a"), 1024)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader(body)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, body, w.Body.Bytes())
}

func TestBodyLimit_DeclaredLengthTooLarge(t *testing.T) {
	router := echoRouter(1024)

	body := bytes.Repeat([]byte("a"), 1024+multipartOverhead+1)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader(body)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "request body too large")
}

func TestBodyLimit_UndeclaredLengthTooLarge(t *testing.T) {
	router := echoRouter(1024)

	body := bytes.Repeat([]byte("a"), 1024+multipartOverhead+1)
	req := httptest.NewRequest(http.MethodPost, "/echo", io.NopCloser(bytes.NewReader(body)))
	req.ContentLength = -1

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
