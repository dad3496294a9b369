package enclave

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/ruteri/tee-secure-value-recovery/cryptoutils"
)

// maxReplicas is the largest quorum the share splitting supports.
const maxReplicas = 255

// Replica describes one trust-anchored server of the quorum.
type Replica struct {
	// Name identifies the replica; it is bound into the attestation report data.
	Name string `json:"name"`

	// URL is the base address of the replica API.
	URL string `json:"url,omitempty"`

	// Measurements are the registers the replica's quote must carry.
	Measurements map[int]string `json:"measurements,omitempty"`
}

// Environment is the fixed set of replicas an operation connects to. Every
// bundle produced for an environment has exactly len(Replicas) connections.
type Environment struct {
	Name string `json:"name"`

	// Threshold is the number of replicas needed to restore a secret.
	Threshold int `json:"threshold"`

	// Attestation is the quote type replicas must present ("qemu-tdx" or "dummy").
	Attestation string `json:"attestation"`

	Replicas []Replica `json:"replicas"`
}

// LoadEnvironment reads a JSON environment file and validates it.
func LoadEnvironment(path string) (Environment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Environment{}, fmt.Errorf("could not read environment: %w", err)
	}

	env, err := ParseEnvironment(raw)
	if err != nil {
		return Environment{}, fmt.Errorf("%s: %w", path, err)
	}
	return env, nil
}

// ParseEnvironment decodes and validates a JSON environment, as stored in
// files or published to storage backends.
func ParseEnvironment(raw []byte) (Environment, error) {
	var env Environment
	if err := json.Unmarshal(raw, &env); err != nil {
		return Environment{}, fmt.Errorf("could not parse environment: %w", err)
	}

	if err := env.Validate(); err != nil {
		return Environment{}, fmt.Errorf("invalid environment: %w", err)
	}
	return env, nil
}

// Validate checks the environment can be used for backups and restores.
func (e Environment) Validate() error {
	if len(e.Replicas) < 2 {
		return errors.New("at least two replicas are required")
	}
	if len(e.Replicas) > maxReplicas {
		return fmt.Errorf("at most %d replicas are supported", maxReplicas)
	}
	if e.Threshold < 2 || e.Threshold > len(e.Replicas) {
		return fmt.Errorf("threshold %d must be between 2 and %d", e.Threshold, len(e.Replicas))
	}
	attestationType, err := e.AttestationType()
	if err != nil {
		return fmt.Errorf("unsupported attestation %q: %w", e.Attestation, err)
	}
	// Quotes are only bound to TLS channels; verified attestation over plain
	// http would attest nothing about the peer serving the shares.
	requireTLS := !attestationType.OID.Equal(cryptoutils.DummyAttestation.OID)

	seen := make(map[string]struct{}, len(e.Replicas))
	for i, replica := range e.Replicas {
		if replica.Name == "" {
			return fmt.Errorf("replica %d has no name", i)
		}
		if _, dup := seen[replica.Name]; dup {
			return fmt.Errorf("duplicate replica name %s", replica.Name)
		}
		seen[replica.Name] = struct{}{}

		if replica.URL == "" {
			continue
		}
		u, err := url.Parse(replica.URL)
		if err != nil {
			return fmt.Errorf("replica %s: invalid url: %w", replica.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("replica %s: unsupported url scheme %q", replica.Name, u.Scheme)
		}
		if requireTLS && u.Scheme != "https" {
			return fmt.Errorf("replica %s: %s attestation requires an https url", replica.Name, attestationType.StringID)
		}
	}
	return nil
}

// AttestationType returns the parsed attestation type of the environment.
func (e Environment) AttestationType() (cryptoutils.AttestationType, error) {
	return cryptoutils.AttestationTypeFromString(e.Attestation)
}

// ReplicaNames returns the replica names in environment order.
func (e Environment) ReplicaNames() []string {
	names := make([]string, len(e.Replicas))
	for i, replica := range e.Replicas {
		names[i] = replica.Name
	}
	return names
}
