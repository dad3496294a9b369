package api

import (
	"encoding/json"
	"net/http"
)

// Replica routes.
const (
	AttestationPath = "/v1/attestation/"
	BackupPath      = "/v1/backup"
	RestorePath     = "/v1/restore"
	TriesPath       = "/v1/tries"
)

// AttestationResponse is the replica's handshake answer. Quote covers
// cryptoutils.ReportData(nonce, Replica, key of the replica's TLS certificate).
type AttestationResponse struct {
	Replica         string `json:"replica"`
	AttestationType string `json:"attestation_type"`
	Quote           []byte `json:"quote"`
}

// BackupRequest stores one masked share on a replica, replacing any previous
// backup of the authenticated user.
type BackupRequest struct {
	BackupID    []byte `json:"backup_id"`
	MaskedShare []byte `json:"masked_share"`
	AuthTag     []byte `json:"auth_tag"`
	MaxTries    uint32 `json:"max_tries"`
}

// RestoreRequest is one restore attempt. Every attempt consumes a try.
type RestoreRequest struct {
	BackupID []byte `json:"backup_id"`
	AuthTag  []byte `json:"auth_tag"`
}

// RestoreResponse carries the masked share of an accepted attempt.
type RestoreResponse struct {
	MaskedShare    []byte `json:"masked_share"`
	TriesRemaining uint32 `json:"tries_remaining"`
}

// TriesResponse is the answer to a tries query.
type TriesResponse struct {
	TriesRemaining uint32 `json:"tries_remaining"`
}

// Error codes carried in replica error responses.
const (
	CodeBadRequest     = "bad_request"
	CodeUnauthorized   = "unauthorized"
	CodeNotFound       = "not_found"
	CodeMismatch       = "backup_mismatch"
	CodeInvalidAuth    = "invalid_auth"
	CodeTriesExhausted = "tries_exhausted"
	CodeInternal       = "internal"
)

// ErrorResponse is the JSON body of a replica rejection.
type ErrorResponse struct {
	Code           string  `json:"code"`
	Message        string  `json:"message"`
	TriesRemaining *uint32 `json:"tries_remaining,omitempty"`
}

// WriteError writes a replica rejection to w.
func WriteError(w http.ResponseWriter, status int, code, message string, triesRemaining *uint32) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Code:           code,
		Message:        message,
		TriesRemaining: triesRemaining,
	})
}

// WriteJSON writes a successful JSON response.
func WriteJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}
