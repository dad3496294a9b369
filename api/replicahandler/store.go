package replicahandler

import (
	"bytes"
	"crypto/subtle"
	"sync"

	"github.com/ruteri/tee-secure-value-recovery/interfaces"
)

type record struct {
	backupID    []byte
	maskedShare []byte
	authTag     []byte
	tries       uint32
}

// Store keeps one masked share per user in memory.
type Store struct {
	mu      sync.Mutex
	records map[string]*record
}

func NewStore() *Store {
	return &Store{records: make(map[string]*record)}
}

// Put stores a share for user, replacing any previous backup.
func (s *Store) Put(user string, backupID, maskedShare, authTag []byte, maxTries uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[user] = &record{
		backupID:    bytes.Clone(backupID),
		maskedShare: bytes.Clone(maskedShare),
		authTag:     bytes.Clone(authTag),
		tries:       maxTries,
	}
}

// Restore consumes one try and returns the masked share when authTag matches.
// The record is deleted once its last try is used, whatever the outcome.
//
// Errors: interfaces.ErrBackupNotFound, interfaces.ErrBackupMismatch (no try
// consumed), interfaces.ErrVerificationFailed, or interfaces.ErrTriesExhausted
// when a wrong tag used the last try.
func (s *Store) Restore(user string, backupID, authTag []byte) ([]byte, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[user]
	if !ok {
		return nil, 0, interfaces.ErrBackupNotFound
	}
	if !bytes.Equal(rec.backupID, backupID) {
		return nil, rec.tries, interfaces.ErrBackupMismatch
	}

	rec.tries--
	if rec.tries == 0 {
		delete(s.records, user)
	}

	if subtle.ConstantTimeCompare(rec.authTag, authTag) != 1 {
		if rec.tries == 0 {
			return nil, 0, interfaces.ErrTriesExhausted
		}
		return nil, rec.tries, interfaces.ErrVerificationFailed
	}
	return bytes.Clone(rec.maskedShare), rec.tries, nil
}

// Tries returns the remaining attempts of user's backup.
func (s *Store) Tries(user string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[user]
	if !ok {
		return 0, interfaces.ErrBackupNotFound
	}
	return rec.tries, nil
}

// Delete removes user's backup.
func (s *Store) Delete(user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[user]; !ok {
		return interfaces.ErrBackupNotFound
	}
	delete(s.records, user)
	return nil
}

// Len returns the number of stored backups.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
