package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrZeroMaxTries is returned when a backup is requested with a zero try limit.
	ErrZeroMaxTries = errors.New("max tries must be greater than zero")

	// ErrInvalidSecret is returned when secret material does not have SecretSize bytes.
	ErrInvalidSecret = errors.New("invalid secret")

	// ErrMalformedShareSet is returned when a share set cannot be decoded.
	ErrMalformedShareSet = errors.New("malformed share set")

	// ErrInsufficientQuorum is returned when fewer replicas than the threshold
	// produced a usable answer.
	ErrInsufficientQuorum = errors.New("insufficient quorum")

	// ErrTriesExhausted is returned by a replica that has no restore attempts left.
	ErrTriesExhausted = errors.New("restore attempts exhausted")

	// ErrBackupNotFound is returned when the addressed replicas hold no backup.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrBackupMismatch is returned when a share set belongs to a different
	// backup than the one the replicas currently hold.
	ErrBackupMismatch = errors.New("share set does not match stored backup")

	// ErrVerificationFailed is returned when the restored value fails verification,
	// typically because the password was wrong.
	ErrVerificationFailed = errors.New("verification failed")
)

// ConnectionError reports that a quorum connection could not be established or
// was lost while an operation was in flight. It is never retried by the client.
type ConnectionError struct {
	// Replica names the failing replica, empty when the failure is not
	// attributable to one.
	Replica string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Replica == "" {
		return fmt.Sprintf("connection error: %v", e.Err)
	}
	return fmt.Sprintf("connection error (%s): %v", e.Replica, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a failure inside the multi-party protocol. The
// classification of Err is the engine's; it is forwarded unchanged.
type ProtocolError struct {
	Replica string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Replica == "" {
		return fmt.Sprintf("protocol error: %v", e.Err)
	}
	return fmt.Sprintf("protocol error (%s): %v", e.Replica, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err carries a *ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsProtocolError reports whether err carries a *ProtocolError.
func IsProtocolError(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}
