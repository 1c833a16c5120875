package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AttachmentSlots is the number of attachment slots every guide carries
const AttachmentSlots = 2

// JSONMap is a custom type that can handle JSON serialization for both PostgreSQL and SQLite
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for GORM
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for GORM
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}

	return json.Unmarshal(bytes, j)
}

// User represents a back-office user
type User struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey"`
	Username  string    `json:"username" gorm:"uniqueIndex;not null"`
	Email     string    `json:"email" gorm:"uniqueIndex;not null"`
	Password  string    `json:"-" gorm:"not null"`
	IsActive  bool      `json:"is_active" gorm:"default:true"`
	IsAdmin   bool      `json:"is_admin" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the user ID
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// Guide is a purchasable immigration guide. Its documents live in two
// attachment slots.
type Guide struct {
	ID          uuid.UUID    `json:"id" gorm:"primaryKey"`
	Title       string       `json:"title" gorm:"not null"`
	Slug        string       `json:"slug" gorm:"uniqueIndex;not null"`
	Country     string       `json:"country" gorm:"index"`
	Description string       `json:"description"`
	PriceCents  int64        `json:"price_cents"`
	Metadata    JSONMap      `json:"metadata" gorm:"serializer:json"`
	CreatedBy   uuid.UUID    `json:"created_by"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Attachments []Attachment `json:"attachments,omitempty" gorm:"foreignKey:GuideID"`
}

// BeforeCreate generates a UUID for the guide ID
func (g *Guide) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}

// Attachment is the committed content of one guide slot
type Attachment struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey"`
	GuideID     uuid.UUID `json:"guide_id" gorm:"not null;uniqueIndex:idx_guide_slot"`
	Slot        int       `json:"slot" gorm:"not null;uniqueIndex:idx_guide_slot"`
	FileName    string    `json:"file_name" gorm:"not null"`
	MimeType    string    `json:"mime_type"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	StoragePath string    `json:"-" gorm:"not null"`
	UploadedBy  uuid.UUID `json:"uploaded_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BeforeCreate generates a UUID for the attachment ID
func (a *Attachment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// ValidSlot reports whether slot addresses one of the guide attachment slots
func ValidSlot(slot int) bool {
	return slot >= 1 && slot <= AttachmentSlots
}

// AuthToken represents a JWT token
type AuthToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    uuid.UUID `json:"user_id"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// CreateGuideRequest represents a guide creation request
type CreateGuideRequest struct {
	Title       string                 `json:"title" binding:"required,max=200"`
	Slug        string                 `json:"slug" binding:"required,max=200"`
	Country     string                 `json:"country"`
	Description string                 `json:"description"`
	PriceCents  int64                  `json:"price_cents" binding:"gte=0"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// GuideFilter narrows a guide listing
type GuideFilter struct {
	Country string `form:"country"`
	Query   string `form:"q"`
	Limit   int    `form:"limit"`
	Offset  int    `form:"offset"`
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}
