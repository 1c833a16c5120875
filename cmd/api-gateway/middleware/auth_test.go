package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

// MockAuthService mocks the auth service for testing
type MockAuthService struct {
	mock.Mock
}

func (m *MockAuthService) ValidateToken(ctx context.Context, token string) (*types.User, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.User), args.Error(1)
}

func newTestRouter(validator TokenValidator, handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(AuthMiddleware(validator))
	router.Use(handlers...)
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	})
	return router
}

func TestAuthMiddleware_ValidBearerToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mockAuth := new(MockAuthService)
	user := &types.User{
		ID:       uuid.New(),
		Username: "testuser",
		Email:    "test@example.com",
	}

	mockAuth.On("ValidateToken", mock.Anything, "valid-token").Return(user, nil)

	var capturedUser *types.User

	router := gin.New()
	router.Use(AuthMiddleware(mockAuth))
	router.GET("/test", func(c *gin.Context) {
		capturedUser, _ = GetUserFromContext(c)
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, user, capturedUser)
	mockAuth.AssertExpectations(t)
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"invalid token", "Bearer invalid-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockAuth := new(MockAuthService)
			mockAuth.On("ValidateToken", mock.Anything, "invalid-token").Return(nil, errors.New("invalid token")).Maybe()

			router := newTestRouter(mockAuth)

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), `"success":false`)
			mockAuth.AssertExpectations(t)
		})
	}
}

func TestAdminOnly(t *testing.T) {
	tests := []struct {
		name     string
		isAdmin  bool
		expected int
	}{
		{"admin", true, http.StatusOK},
		{"regular user", false, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockAuth := new(MockAuthService)
			user := &types.User{ID: uuid.New(), Username: "editor", IsAdmin: tt.isAdmin}
			mockAuth.On("ValidateToken", mock.Anything, "token").Return(user, nil)

			router := newTestRouter(mockAuth, AdminOnly())

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set("Authorization", "Bearer token")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestAdminOnly_WithoutAuthentication(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(AdminOnly())
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetUserFromContext_UserExists(t *testing.T) {
	gin.SetMode(gin.TestMode)

	user := &types.User{
		ID:       uuid.New(),
		Username: "testuser",
		Email:    "test@example.com",
	}

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set("user", user)

	contextUser, exists := GetUserFromContext(c)

	assert.True(t, exists)
	assert.Equal(t, user, contextUser)
}

func TestGetUserFromContext_UserNotExists(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	contextUser, exists := GetUserFromContext(c)

	assert.False(t, exists)
	assert.Nil(t, contextUser)
}

func TestGetUserFromContext_WrongType(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set("user", "not-a-user-struct")

	contextUser, exists := GetUserFromContext(c)

	assert.False(t, exists)
	assert.Nil(t, contextUser)
}
