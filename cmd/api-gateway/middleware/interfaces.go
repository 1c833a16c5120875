package middleware

import (
	"context"

	"github.com/lgulliver/waypoint/pkg/types"
)

// TokenValidator resolves a bearer token to its user
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*types.User, error)
}
