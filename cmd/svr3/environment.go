package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"

	"github.com/ruteri/tee-secure-value-recovery/cryptoutils"
	"github.com/ruteri/tee-secure-value-recovery/enclave"
	"github.com/ruteri/tee-secure-value-recovery/interfaces"
)

// environment resolves the replica set and warns about replicas whose quotes
// are verified without expected measurements: any genuine TEE passes for them.
func (s *session) environment(ctx context.Context) (enclave.Environment, error) {
	env, err := s.resolveEnvironment(ctx)
	if err != nil {
		return enclave.Environment{}, err
	}

	attestationType, err := env.AttestationType()
	if err != nil {
		return enclave.Environment{}, err
	}
	if attestationType.OID.Equal(cryptoutils.DummyAttestation.OID) {
		s.log.Warn("Environment uses dummy attestation, replicas are not verified", "environment", env.Name)
		return env, nil
	}
	for _, replica := range env.Replicas {
		if len(replica.Measurements) == 0 {
			s.log.Warn("Replica has no expected measurements, any TEE running any code is accepted",
				"environment", env.Name,
				"replica", replica.Name)
		}
	}
	return env, nil
}

// resolveEnvironment reads the replica set from, in order of precedence, an
// environment file, an environment published to storage, or DNS SRV records.
func (s *session) resolveEnvironment(ctx context.Context) (enclave.Environment, error) {
	if path := s.cCtx.String("env"); path != "" {
		return enclave.LoadEnvironment(path)
	}

	if rawID := s.cCtx.String("env-id"); rawID != "" {
		if s.storage == nil {
			return enclave.Environment{}, errors.New("--env-id needs --storage")
		}
		id, err := interfaces.NewContentIDFromHex(rawID)
		if err != nil {
			return enclave.Environment{}, err
		}
		raw, err := s.storage.Fetch(ctx, id, interfaces.EnvironmentType)
		if err != nil {
			return enclave.Environment{}, fmt.Errorf("could not fetch environment %s: %w", id, err)
		}
		return enclave.ParseEnvironment(raw)
	}

	if domain := s.cCtx.String("srv-domain"); domain != "" {
		replicas, err := enclave.ResolveReplicas(ctx, domain, s.cCtx.String("dns-server"), s.cCtx.String("replica-scheme"))
		if err != nil {
			return enclave.Environment{}, err
		}
		if path := s.cCtx.String("measurements"); path != "" {
			measurements, err := loadMeasurements(path)
			if err != nil {
				return enclave.Environment{}, err
			}
			for i := range replicas {
				replicas[i].Measurements = maps.Clone(measurements)
			}
		}
		env := enclave.Environment{
			Name:        domain,
			Threshold:   s.cCtx.Int("threshold"),
			Attestation: s.cCtx.String("attestation-type"),
			Replicas:    replicas,
		}
		if err := env.Validate(); err != nil {
			return enclave.Environment{}, fmt.Errorf("discovered environment %s: %w", domain, err)
		}
		return env, nil
	}

	return enclave.Environment{}, errors.New("one of --env, --env-id or --srv-domain is required")
}

// loadMeasurements reads the registers every discovered replica must attest
// to, as a JSON object of register index to hex value.
func loadMeasurements(path string) (map[int]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read measurements: %w", err)
	}
	var measurements map[int]string
	if err := json.Unmarshal(raw, &measurements); err != nil {
		return nil, fmt.Errorf("could not parse measurements %s: %w", path, err)
	}
	if len(measurements) == 0 {
		return nil, fmt.Errorf("measurements %s are empty", path)
	}
	return measurements, nil
}
