package replicahandler

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-secure-value-recovery/api"
	"github.com/ruteri/tee-secure-value-recovery/cryptoutils"
	"github.com/ruteri/tee-secure-value-recovery/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T, authSecret []byte) (*chi.Mux, *Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewStore()
	handler := NewHandler("r1", cryptoutils.DummyAttestationProvider{}, store, authSecret, logger)

	mux := chi.NewRouter()
	handler.RegisterRoutes(mux)
	return mux, store
}

func doRequest(t *testing.T, mux http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.SetBasicAuth(user, "")
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func backupRequest(tries uint32) api.BackupRequest {
	return api.BackupRequest{
		BackupID:    []byte("backup-1"),
		MaskedShare: []byte("masked-share"),
		AuthTag:     bytes.Repeat([]byte{7}, 32),
		MaxTries:    tries,
	}
}

func TestHandleAttestation(t *testing.T) {
	mux, _ := setupRouter(t, nil)

	var nonce [32]byte
	nonce[0] = 42
	w := doRequest(t, mux, http.MethodGet, "/v1/attestation/"+hex.EncodeToString(nonce[:]), "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.AttestationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "r1", resp.Replica)
	assert.Equal(t, cryptoutils.DummyAttestation.StringID, resp.AttestationType)

	_, err := cryptoutils.DummyVerifier{}.Verify(cryptoutils.ReportData(nonce, "r1", nil), resp.Quote)
	assert.NoError(t, err)

	w = doRequest(t, mux, http.MethodGet, "/v1/attestation/abcd", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAttestation_BindsChannelKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	channelKey := bytes.Repeat([]byte{0xaa}, 32)
	mux := chi.NewRouter()
	NewHandler("r1", cryptoutils.DummyAttestationProvider{}, NewStore(), nil, logger).
		WithChannelKey(channelKey).
		RegisterRoutes(mux)

	var nonce [32]byte
	w := doRequest(t, mux, http.MethodGet, "/v1/attestation/"+hex.EncodeToString(nonce[:]), "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.AttestationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	verifier := cryptoutils.DummyVerifier{}
	_, err := verifier.Verify(cryptoutils.ReportData(nonce, "r1", channelKey), resp.Quote)
	assert.NoError(t, err)
	_, err = verifier.Verify(cryptoutils.ReportData(nonce, "r1", nil), resp.Quote)
	assert.Error(t, err, "quote must not verify for a channel without the key")
}

func TestHandleBackupAndRestore(t *testing.T) {
	mux, store := setupRouter(t, nil)
	req := backupRequest(3)

	w := doRequest(t, mux, http.MethodPut, api.BackupPath, "alice", req)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Equal(t, 1, store.Len())

	w = doRequest(t, mux, http.MethodGet, api.TriesPath, "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tries api.TriesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tries))
	assert.Equal(t, uint32(3), tries.TriesRemaining)

	w = doRequest(t, mux, http.MethodPost, api.RestorePath, "alice", api.RestoreRequest{BackupID: req.BackupID, AuthTag: req.AuthTag})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var restored api.RestoreResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &restored))
	assert.Equal(t, req.MaskedShare, restored.MaskedShare)
	assert.Equal(t, uint32(2), restored.TriesRemaining)

	w = doRequest(t, mux, http.MethodPost, api.RestorePath, "alice", api.RestoreRequest{BackupID: req.BackupID, AuthTag: []byte("wrong")})
	require.Equal(t, http.StatusForbidden, w.Code)
	errResp := decodeError(t, w)
	assert.Equal(t, api.CodeInvalidAuth, errResp.Code)
	require.NotNil(t, errResp.TriesRemaining)
	assert.Equal(t, uint32(1), *errResp.TriesRemaining)

	w = doRequest(t, mux, http.MethodPost, api.RestorePath, "alice", api.RestoreRequest{BackupID: []byte("other"), AuthTag: req.AuthTag})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, api.CodeMismatch, decodeError(t, w).Code)

	w = doRequest(t, mux, http.MethodPost, api.RestorePath, "alice", api.RestoreRequest{BackupID: req.BackupID, AuthTag: []byte("wrong")})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, api.CodeTriesExhausted, decodeError(t, w).Code)

	assert.Zero(t, store.Len())
	w = doRequest(t, mux, http.MethodGet, api.TriesPath, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleRestore_LastTrySucceeds(t *testing.T) {
	mux, store := setupRouter(t, nil)
	req := backupRequest(1)
	require.Equal(t, http.StatusNoContent, doRequest(t, mux, http.MethodPut, api.BackupPath, "bob", req).Code)

	w := doRequest(t, mux, http.MethodPost, api.RestorePath, "bob", api.RestoreRequest{BackupID: req.BackupID, AuthTag: req.AuthTag})
	require.Equal(t, http.StatusOK, w.Code)
	var restored api.RestoreResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &restored))
	assert.Zero(t, restored.TriesRemaining)
	assert.Zero(t, store.Len())
}

func TestHandleBackup_Validation(t *testing.T) {
	mux, _ := setupRouter(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{name: "zero tries", body: backupRequest(0)},
		{name: "missing share", body: api.BackupRequest{BackupID: []byte("x"), AuthTag: []byte("y"), MaxTries: 1}},
		{name: "unknown field", body: map[string]any{"backup_id": "eA==", "extra": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, mux, http.MethodPut, api.BackupPath, "alice", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, api.CodeBadRequest, decodeError(t, w).Code)
		})
	}

	req := httptest.NewRequest(http.MethodPut, api.BackupPath, strings.NewReader("{"))
	req.SetBasicAuth("alice", "")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRemove(t *testing.T) {
	mux, store := setupRouter(t, nil)
	require.Equal(t, http.StatusNoContent, doRequest(t, mux, http.MethodPut, api.BackupPath, "alice", backupRequest(5)).Code)
	require.Equal(t, http.StatusNoContent, doRequest(t, mux, http.MethodPut, api.BackupPath, "bob", backupRequest(5)).Code)

	w := doRequest(t, mux, http.MethodDelete, api.BackupPath, "alice", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, store.Len())

	w = doRequest(t, mux, http.MethodDelete, api.BackupPath, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := store.Tries("bob")
	assert.NoError(t, err)
}

func TestAuthentication(t *testing.T) {
	secret := []byte("replica-auth-secret")
	mux, _ := setupRouter(t, secret)

	w := doRequest(t, mux, http.MethodGet, api.TriesPath, "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, api.TriesPath, nil)
	req.SetBasicAuth("alice", "not-the-password")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, api.TriesPath, nil)
	req.SetBasicAuth("alice", UserPassword(secret, "alice"))
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code, "authenticated user without a backup")
}

func TestStore_ReplacesBackup(t *testing.T) {
	store := NewStore()
	store.Put("alice", []byte("old"), []byte("s1"), []byte("t1"), 2)
	store.Put("alice", []byte("new"), []byte("s2"), []byte("t2"), 4)

	_, _, err := store.Restore("alice", []byte("old"), []byte("t1"))
	assert.ErrorIs(t, err, interfaces.ErrBackupMismatch)

	share, tries, err := store.Restore("alice", []byte("new"), []byte("t2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("s2"), share)
	assert.Equal(t, uint32(3), tries)
}
