// Package protocol defines the finder API request/response types.
package protocol

import "time"

// APIVersion is the file-manager protocol version reported by open.
const APIVersion = 2.1

// File is one entry descriptor as seen by the file-manager client.
type File struct {
	Name     string `json:"name"`
	Hash     string `json:"hash"`
	PHash    string `json:"phash,omitempty"` // absent only for the volume root
	Mime     string `json:"mime"`
	TS       int64  `json:"ts"` // milliseconds since the unix epoch
	Size     int64  `json:"size"`
	Dirs     *int   `json:"dirs,omitempty"` // directories only
	Read     int    `json:"read"`
	Write    int    `json:"write"`
	Locked   int    `json:"locked"`
	IsOwner  bool   `json:"isowner"`
	Alias    string `json:"alias,omitempty"`
	THash    string `json:"thash,omitempty"`
	VolumeID string `json:"volumeid,omitempty"`

	// Options is set on the volume root only.
	Options *Options `json:"options,omitempty"`
}

// Options describes volume capabilities.
type Options struct {
	Disabled  []string `json:"disabled"`
	Separator string   `json:"separator"`
}

// OpenResponse is returned by cmd=open.
type OpenResponse struct {
	API   float64 `json:"api"`
	Cwd   File    `json:"cwd"`
	Files []File  `json:"files"`
}

// InfoResponse is returned by cmd=info.
type InfoResponse struct {
	Files []File `json:"files"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// LoginRequest is the body for POST /api/auth/token.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned on successful login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
