package enclave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ruteri/tee-secure-value-recovery/api"
	"github.com/ruteri/tee-secure-value-recovery/interfaces"
)

// maxResponseSize bounds replica response bodies.
const maxResponseSize = 1 << 20

// ErrStreamClosed is returned by a stream used after Close.
var ErrStreamClosed = errors.New("stream closed")

// Stream is a request/response channel to a single replica.
//
// Do encodes in as JSON (when non-nil), sends it to path and decodes a
// successful response into out (when non-nil). Transport failures, including
// a peer that drops mid-response, are reported as *interfaces.ConnectionError;
// replica rejections as *ReplicaError.
//
// ChannelKey is the key hash the replica must have bound into its quote:
// the pinned TLS key of an encrypted stream, nil otherwise. It is only
// meaningful after the first Do.
//
// A stream is owned by one operation. The engine may call Do on different
// streams from different goroutines, but never on one stream concurrently.
type Stream interface {
	Endpoint() string
	ChannelKey() []byte
	Do(ctx context.Context, method, path string, in, out any) error
	Close() error
}

// Credentials authenticate the client to every replica and select the backup
// the connections address.
type Credentials struct {
	Username string
	Password string
}

// ReplicaError is a rejection returned by a replica. It unwraps to the
// matching interfaces sentinel so engines can classify it with errors.Is.
type ReplicaError struct {
	Replica        string
	Status         int
	Code           string
	Message        string
	TriesRemaining *uint32
}

func (e *ReplicaError) Error() string {
	return fmt.Sprintf("replica %s returned %d (%s): %s", e.Replica, e.Status, e.Code, e.Message)
}

func (e *ReplicaError) Unwrap() error {
	switch e.Code {
	case api.CodeNotFound:
		return interfaces.ErrBackupNotFound
	case api.CodeMismatch:
		return interfaces.ErrBackupMismatch
	case api.CodeInvalidAuth:
		return interfaces.ErrVerificationFailed
	case api.CodeTriesExhausted:
		return interfaces.ErrTriesExhausted
	default:
		return nil
	}
}

// roundTrip performs one JSON exchange through send.
func roundTrip(ctx context.Context, send func(*http.Request) (*http.Response, error), replica Replica, creds Credentials, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	url := strings.TrimSuffix(replica.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := send(req)
	if err != nil {
		return &interfaces.ConnectionError{Replica: replica.Name, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &interfaces.ConnectionError{Replica: replica.Name, Err: fmt.Errorf("could not read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		replicaErr := &ReplicaError{Replica: replica.Name, Status: resp.StatusCode}
		var errResp api.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Code != "" {
			replicaErr.Code = errResp.Code
			replicaErr.Message = errResp.Message
			replicaErr.TriesRemaining = errResp.TriesRemaining
		} else {
			replicaErr.Code = api.CodeInternal
			replicaErr.Message = strings.TrimSpace(string(respBody))
		}
		return replicaErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &interfaces.ConnectionError{Replica: replica.Name, Err: fmt.Errorf("could not parse response: %w", err)}
	}
	return nil
}
