// Package api is the HTTP layer for settings synchronization: current
// state read/write with compare-and-swap, history listing and pruning,
// device registry management, and publish fan-out, all scoped to the
// account identifier carried on every request.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/colegrim/hubdeck/internal/store"
)

// Envelope is the standard response wrapper for all API responses.
// Success: {"ok": true, "data": {...}}
// Error:   {"ok": false, "error": {"code": "...", "message": "...", "details": ...}}
type Envelope struct {
	OK    bool          `json:"ok"`
	Data  interface{}   `json:"data,omitempty"`
	Error *ErrorPayload `json:"error,omitempty"`
}

// ErrorPayload holds structured error information.
type ErrorPayload struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Standard error codes mapped to HTTP status codes.
const (
	ErrValidation   = "validation_error"       // 400
	ErrUnauthorized = "unauthorized"           // 401
	ErrForbidden    = "forbidden"              // 403
	ErrNotFound     = "not_found"              // 404
	ErrConflict     = "conflict"               // 409
	ErrRateLimited  = "rate_limited"           // 429
	ErrInternal     = "internal"               // 500
	ErrNoEncryption = "encryption_unavailable" // 503
	ErrDecrypt      = "decrypt_failure"        // 503
)

// WriteSuccess writes a JSON success envelope with the given data and status.
func WriteSuccess(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{OK: true, Data: data}); err != nil {
		slog.Error("write success response", "err", err)
	}
}

// WriteError writes a JSON error envelope.
func WriteError(w http.ResponseWriter, code, message string, status int) {
	WriteErrorDetails(w, code, message, nil, status)
}

// WriteErrorDetails writes a JSON error envelope with structured
// details, e.g. the authoritative revision on a conflict.
func WriteErrorDetails(w http.ResponseWriter, code, message string, details interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{
		OK: false,
		Error: &ErrorPayload{
			Code:    code,
			Message: message,
			Details: details,
		},
	}); err != nil {
		slog.Error("write error response", "err", err)
	}
}

// CurrentDTO is the API representation of a device's current (or
// historical) state. Data carries the opaque snapshot document.
type CurrentDTO struct {
	DeviceID    string          `json:"device_id"`
	DeviceLabel string          `json:"device_label"`
	Revision    int64           `json:"revision"`
	Data        json.RawMessage `json:"data"`
	UpdatedAt   string          `json:"updated_at"`
}

// WriteResultDTO is the response to an accepted write.
type WriteResultDTO struct {
	Revision  int64  `json:"revision"`
	UpdatedAt string `json:"updated_at"`
}

// ConflictDTO carries the server's authoritative revision on a 409.
type ConflictDTO struct {
	Revision int64 `json:"revision"`
}

// HistoryEntryDTO is one history listing row.
type HistoryEntryDTO struct {
	Revision  int64  `json:"revision"`
	UpdatedAt string `json:"updated_at"`
}

// DeviceDTO is one device registry row.
type DeviceDTO struct {
	DeviceID    string `json:"device_id"`
	DeviceLabel string `json:"device_label"`
	Revision    int64  `json:"revision"`
	UpdatedAt   string `json:"updated_at"`
}

func historyToDTOs(entries []store.HistoryEntry) []HistoryEntryDTO {
	dtos := make([]HistoryEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = HistoryEntryDTO{
			Revision:  e.Revision,
			UpdatedAt: e.UpdatedAt.Format(time.RFC3339),
		}
	}
	return dtos
}

func devicesToDTOs(devices []store.Device) []DeviceDTO {
	dtos := make([]DeviceDTO, len(devices))
	for i, d := range devices {
		dtos[i] = DeviceDTO{
			DeviceID:    d.Device,
			DeviceLabel: d.DeviceLabel,
			Revision:    d.Revision,
			UpdatedAt:   d.UpdatedAt.Format(time.RFC3339),
		}
	}
	return dtos
}
