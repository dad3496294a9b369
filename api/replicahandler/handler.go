package replicahandler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-secure-value-recovery/api"
	"github.com/ruteri/tee-secure-value-recovery/cryptoutils"
	"github.com/ruteri/tee-secure-value-recovery/interfaces"
	"github.com/ruteri/tee-secure-value-recovery/metrics"
)

const (
	maxRequestSize = 64 << 10
	maxFieldSize   = 1024
)

// Handler serves the replica API for one replica of a quorum.
//
// Requests other than the attestation handshake must carry basic auth. The
// username selects the backup. When an auth secret is configured, the
// password must be UserPassword(secret, username); otherwise any password is
// accepted.
type Handler struct {
	name        string
	attestation cryptoutils.AttestationProvider
	store       *Store
	authSecret  []byte
	channelKey  []byte
	metrics     *metrics.ReplicaMetrics
	log         *slog.Logger
}

// NewHandler creates a handler answering as replica name.
func NewHandler(name string, attestation cryptoutils.AttestationProvider, store *Store, authSecret []byte, log *slog.Logger) *Handler {
	return &Handler{
		name:        name,
		attestation: attestation,
		store:       store,
		authSecret:  authSecret,
		log:         log,
	}
}

// WithMetrics instruments every route with m.
func (h *Handler) WithMetrics(m *metrics.ReplicaMetrics) *Handler {
	h.metrics = m
	return h
}

// WithChannelKey binds quotes to the TLS key the handler is served with
// (cryptoutils.ChannelKey of the listener's certificate).
func (h *Handler) WithChannelKey(key []byte) *Handler {
	h.channelKey = key
	return h
}

// UserPassword is the password a user presents when the replica runs with
// an auth secret.
func UserPassword(secret []byte, username string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(username))
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.With(h.metrics.Middleware("attestation")).Get(api.AttestationPath+"{nonce}", h.HandleAttestation)
	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)
		r.With(h.metrics.Middleware("backup")).Put(api.BackupPath, h.HandleBackup)
		r.With(h.metrics.Middleware("restore")).Post(api.RestorePath, h.HandleRestore)
		r.With(h.metrics.Middleware("tries")).Get(api.TriesPath, h.HandleTries)
		r.With(h.metrics.Middleware("remove")).Delete(api.BackupPath, h.HandleRemove)
	})
}

type userKey struct{}

func userFrom(r *http.Request) string {
	user, _ := r.Context().Value(userKey{}).(string)
	return user
}

func contextWithUser(r *http.Request, user string) context.Context {
	return context.WithValue(r.Context(), userKey{}, user)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || username == "" {
			api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthorized, "missing credentials", nil)
			return
		}
		if len(h.authSecret) > 0 && !hmac.Equal([]byte(password), []byte(UserPassword(h.authSecret, username))) {
			api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthorized, "invalid credentials", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithUser(r, username)))
	})
}

// HandleAttestation answers the handshake with a quote over the client's
// nonce, this replica's name and its channel key.
//
// URL format: GET /v1/attestation/{nonce}, nonce being 32 hex-encoded bytes.
func (h *Handler) HandleAttestation(w http.ResponseWriter, r *http.Request) {
	raw, err := hex.DecodeString(chi.URLParam(r, "nonce"))
	if err != nil || len(raw) != 32 {
		api.WriteError(w, http.StatusBadRequest, api.CodeBadRequest, "nonce must be 32 hex-encoded bytes", nil)
		return
	}

	var nonce [32]byte
	copy(nonce[:], raw)

	quote, err := h.attestation.Attest(cryptoutils.ReportData(nonce, h.name, h.channelKey))
	if err != nil {
		h.log.Error("Could not produce attestation", "err", err)
		api.WriteError(w, http.StatusInternalServerError, api.CodeInternal, "could not produce attestation", nil)
		return
	}

	if err := api.WriteJSON(w, api.AttestationResponse{
		Replica:         h.name,
		AttestationType: h.attestation.AttestationType().StringID,
		Quote:           quote,
	}); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleBackup stores the caller's masked share, replacing any previous one.
//
// URL format: PUT /v1/backup with a JSON api.BackupRequest body.
func (h *Handler) HandleBackup(w http.ResponseWriter, r *http.Request) {
	var req api.BackupRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	if err := validateFields(map[string][]byte{
		"backup_id":    req.BackupID,
		"masked_share": req.MaskedShare,
		"auth_tag":     req.AuthTag,
	}); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeBadRequest, err.Error(), nil)
		return
	}
	if req.MaxTries == 0 {
		api.WriteError(w, http.StatusBadRequest, api.CodeBadRequest, interfaces.ErrZeroMaxTries.Error(), nil)
		return
	}

	h.store.Put(userFrom(r), req.BackupID, req.MaskedShare, req.AuthTag, req.MaxTries)
	h.log.Debug("Backup stored", slog.String("user", userFrom(r)), slog.Uint64("maxTries", uint64(req.MaxTries)))
	w.WriteHeader(http.StatusNoContent)
}

// HandleRestore processes one restore attempt. The attempt consumes a try
// whether or not the auth tag matches.
//
// URL format: POST /v1/restore with a JSON api.RestoreRequest body.
func (h *Handler) HandleRestore(w http.ResponseWriter, r *http.Request) {
	var req api.RestoreRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	share, tries, err := h.store.Restore(userFrom(r), req.BackupID, req.AuthTag)
	switch {
	case err == nil:
	case errors.Is(err, interfaces.ErrBackupNotFound):
		api.WriteError(w, http.StatusNotFound, api.CodeNotFound, err.Error(), nil)
		return
	case errors.Is(err, interfaces.ErrBackupMismatch):
		api.WriteError(w, http.StatusConflict, api.CodeMismatch, err.Error(), &tries)
		return
	case errors.Is(err, interfaces.ErrTriesExhausted):
		h.log.Info("Backup exhausted", slog.String("user", userFrom(r)))
		api.WriteError(w, http.StatusForbidden, api.CodeTriesExhausted, err.Error(), &tries)
		return
	default:
		api.WriteError(w, http.StatusForbidden, api.CodeInvalidAuth, err.Error(), &tries)
		return
	}

	if err := api.WriteJSON(w, api.RestoreResponse{MaskedShare: share, TriesRemaining: tries}); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleTries reports the remaining attempts of the caller's backup.
//
// URL format: GET /v1/tries
func (h *Handler) HandleTries(w http.ResponseWriter, r *http.Request) {
	tries, err := h.store.Tries(userFrom(r))
	if err != nil {
		api.WriteError(w, http.StatusNotFound, api.CodeNotFound, err.Error(), nil)
		return
	}
	if err := api.WriteJSON(w, api.TriesResponse{TriesRemaining: tries}); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// HandleRemove deletes the caller's backup.
//
// URL format: DELETE /v1/backup
func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(userFrom(r)); err != nil {
		api.WriteError(w, http.StatusNotFound, api.CodeNotFound, err.Error(), nil)
		return
	}
	h.log.Debug("Backup removed", slog.String("user", userFrom(r)))
	w.WriteHeader(http.StatusNoContent)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		api.WriteError(w, http.StatusBadRequest, api.CodeBadRequest, fmt.Sprintf("invalid request body: %v", err), nil)
		return false
	}
	return true
}

func validateFields(fields map[string][]byte) error {
	for name, value := range fields {
		if len(value) == 0 || len(value) > maxFieldSize {
			return fmt.Errorf("%s must be between 1 and %d bytes", name, maxFieldSize)
		}
	}
	return nil
}
