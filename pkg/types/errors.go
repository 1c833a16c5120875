package types

import (
	"errors"
	"net/http"
)

// Upload pipeline error taxonomy. Callers wrap these with fmt.Errorf("...: %w")
// and match with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrNetwork          = errors.New("network error")
	ErrCompression      = errors.New("compression error")
	ErrIncompleteUpload = errors.New("incomplete upload")
	ErrCorruptData      = errors.New("corrupt data")
	ErrNotFound         = errors.New("not found")
	ErrExpiredSession   = errors.New("upload session expired")
)

var errorCodes = []struct {
	err    error
	code   string
	status int
}{
	{ErrValidation, "validation_error", http.StatusBadRequest},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrExpiredSession, "expired_session", http.StatusGone},
	{ErrIncompleteUpload, "incomplete_upload", http.StatusConflict},
	{ErrCorruptData, "corrupt_data", http.StatusUnprocessableEntity},
	{ErrCompression, "compression_error", http.StatusUnprocessableEntity},
	{ErrNetwork, "network_error", http.StatusBadGateway},
}

// ErrorCode returns the wire code for err, or "internal_error"
func ErrorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "internal_error"
}

// HTTPStatus returns the response status for err
func HTTPStatus(err error) int {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// ErrorForCode maps a wire code back to its sentinel, or nil if unknown
func ErrorForCode(code string) error {
	for _, e := range errorCodes {
		if e.code == code {
			return e.err
		}
	}
	return nil
}
