package types

import "time"

// PaginatedResponse wraps one page of a listing
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	TotalCount int64       `json:"totalCount"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
}

// HealthStatus is the body of the health endpoint
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}
