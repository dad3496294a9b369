package ppss

import (
	"encoding/json"
	"fmt"

	"github.com/ruteri/tee-secure-value-recovery/cryptoutils"
	"github.com/ruteri/tee-secure-value-recovery/interfaces"
)

// shareSetVersion is the only envelope version Decode accepts.
const shareSetVersion = 1

// Envelope is the decoded form of an interfaces.ShareSet. It holds no secret
// material: the shares live on the replicas, masked with keys derived from the
// hardened password.
type Envelope struct {
	Version    int                      `json:"version"`
	BackupID   []byte                   `json:"backup_id"`
	Threshold  int                      `json:"threshold"`
	Replicas   []string                 `json:"replicas"`
	Salt       []byte                   `json:"salt"`
	Harden     cryptoutils.HardenParams `json:"harden"`
	Commitment []byte                   `json:"commitment"`
}

// Encode serializes the envelope.
func (e *Envelope) Encode() (interfaces.ShareSet, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return interfaces.ShareSet(raw), nil
}

// DecodeShareSet parses and validates a share set. Any failure wraps
// interfaces.ErrMalformedShareSet.
func DecodeShareSet(shareSet interfaces.ShareSet) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(shareSet, &e); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrMalformedShareSet, err)
	}
	if err := e.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrMalformedShareSet, err)
	}
	return &e, nil
}

func (e *Envelope) validate() error {
	if e.Version != shareSetVersion {
		return fmt.Errorf("unsupported version %d", e.Version)
	}
	if len(e.BackupID) != backupIDSize {
		return fmt.Errorf("backup id must be %d bytes", backupIDSize)
	}
	if len(e.Salt) != saltSize {
		return fmt.Errorf("salt must be %d bytes", saltSize)
	}
	if len(e.Replicas) < 2 || e.Threshold < 2 || e.Threshold > len(e.Replicas) {
		return fmt.Errorf("threshold %d of %d replicas", e.Threshold, len(e.Replicas))
	}
	if len(e.Commitment) != commitmentSize {
		return fmt.Errorf("commitment must be %d bytes", commitmentSize)
	}
	return e.Harden.Validate()
}
