package interfaces

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SecretSize is the length in bytes of a protected secret.
const SecretSize = 32

// Secret is the fixed-size value protected by a backup and recovered by a restore.
type Secret [SecretSize]byte

// NewSecretFromBytes creates a secret from exactly SecretSize bytes.
func NewSecretFromBytes(source []byte) (Secret, error) {
	if len(source) != SecretSize {
		return Secret{}, fmt.Errorf("%w: got %d bytes, need %d", ErrInvalidSecret, len(source), SecretSize)
	}

	var secret Secret
	copy(secret[:], source)
	return secret, nil
}

// NewSecretFromHex creates a secret from a 64-character hex string.
func NewSecretFromHex(source string) (Secret, error) {
	clean := strings.TrimPrefix(source, "0x")
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Secret{}, fmt.Errorf("%w: invalid hex format: %v", ErrInvalidSecret, err)
	}
	return NewSecretFromBytes(raw)
}

// String returns the hex representation of the secret.
func (s Secret) String() string {
	return hex.EncodeToString(s[:])
}

// Bytes returns the raw secret bytes.
func (s Secret) Bytes() []byte {
	return s[:]
}

// MaxTries bounds the number of restore attempts before replicas invalidate a backup.
// A zero value is never valid.
type MaxTries uint32

// NewMaxTries validates n and returns it as MaxTries.
func NewMaxTries(n uint32) (MaxTries, error) {
	if n == 0 {
		return 0, ErrZeroMaxTries
	}
	return MaxTries(n), nil
}

// Validate reports whether the try limit is usable.
func (m MaxTries) Validate() error {
	if m == 0 {
		return ErrZeroMaxTries
	}
	return nil
}

// ShareSet is the opaque token produced by a backup. It must be persisted by the
// caller and handed back unchanged to restore. The dispatch layer never looks
// inside it; only the engine that produced it can decode it.
type ShareSet []byte

// NewShareSetFromString decodes the base64 form produced by String.
func NewShareSetFromString(encoded string) (ShareSet, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedShareSet, err)
	}
	if len(raw) == 0 {
		return nil, ErrMalformedShareSet
	}
	return ShareSet(raw), nil
}

// MarshalBinary returns a copy of the token bytes.
func (s ShareSet) MarshalBinary() ([]byte, error) {
	if len(s) == 0 {
		return nil, ErrMalformedShareSet
	}
	return append([]byte(nil), s...), nil
}

// UnmarshalBinary replaces the token with a copy of data.
func (s *ShareSet) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return ErrMalformedShareSet
	}
	*s = append((*s)[:0], data...)
	return nil
}

// ContentID returns the content address of the token, used as the storage key.
func (s ShareSet) ContentID() ContentID {
	return ComputeID(s)
}

// String returns the base64 representation of the token.
func (s ShareSet) String() string {
	return base64.StdEncoding.EncodeToString(s)
}

// EvaluationResult is the outcome of a successful restore.
type EvaluationResult struct {
	// Value is the recovered secret.
	Value Secret `json:"value"`

	// TriesRemaining is the lowest try counter reported by the replicas that
	// took part in the restore, after this attempt was accounted for.
	TriesRemaining uint32 `json:"tries_remaining"`
}

// ContentID is a 32-byte SHA-256 hash uniquely identifying stored content.
type ContentID [32]byte

// NewContentIDFromHex parses a 64-character hex content ID.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id ContentID
	copy(id[:], raw)
	return id, nil
}

// ComputeID calculates the content ID of data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// String returns the hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 32-byte hash.
func (id ContentID) Bytes() []byte {
	return id[:]
}
