package enclave

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvironment(n, threshold int) Environment {
	env := Environment{
		Name:        "test",
		Threshold:   threshold,
		Attestation: "dummy",
	}
	for i := 0; i < n; i++ {
		env.Replicas = append(env.Replicas, Replica{Name: string(rune('a'+i)) + "-replica"})
	}
	return env
}

func TestEnvironment_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(env *Environment)
		wantErr string
	}{
		{name: "valid", mutate: func(env *Environment) {}},
		{
			name:    "single replica",
			mutate:  func(env *Environment) { env.Replicas = env.Replicas[:1]; env.Threshold = 1 },
			wantErr: "at least two replicas",
		},
		{
			name:    "threshold too low",
			mutate:  func(env *Environment) { env.Threshold = 1 },
			wantErr: "threshold 1",
		},
		{
			name:    "threshold above replica count",
			mutate:  func(env *Environment) { env.Threshold = 4 },
			wantErr: "threshold 4",
		},
		{
			name:    "unknown attestation",
			mutate:  func(env *Environment) { env.Attestation = "sgx" },
			wantErr: "unsupported attestation",
		},
		{
			name:    "duplicate names",
			mutate:  func(env *Environment) { env.Replicas[2].Name = env.Replicas[0].Name },
			wantErr: "duplicate replica name",
		},
		{
			name:    "empty name",
			mutate:  func(env *Environment) { env.Replicas[1].Name = "" },
			wantErr: "has no name",
		},
		{
			name:    "bad scheme",
			mutate:  func(env *Environment) { env.Replicas[0].URL = "ftp://replica" },
			wantErr: "unsupported url scheme",
		},
		{
			name: "plain http with verified attestation",
			mutate: func(env *Environment) {
				env.Attestation = "qemu-tdx"
				env.Replicas[0].URL = "http://replica.example:8080"
			},
			wantErr: "requires an https url",
		},
		{
			name:   "plain http with dummy attestation",
			mutate: func(env *Environment) { env.Replicas[0].URL = "http://127.0.0.1:8080" },
		},
		{
			name:   "https url",
			mutate: func(env *Environment) { env.Replicas[0].URL = "https://replica.example:8443" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testEnvironment(3, 2)
			tt.mutate(&env)
			err := env.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "env.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"name": "prod",
		"threshold": 2,
		"attestation": "qemu-tdx",
		"replicas": [
			{"name": "r1", "url": "https://r1.example", "measurements": {"0": "aa"}},
			{"name": "r2", "url": "https://r2.example"},
			{"name": "r3", "url": "https://r3.example"}
		]
	}`), 0600))

	env, err := LoadEnvironment(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", env.Name)
	assert.Equal(t, []string{"r1", "r2", "r3"}, env.ReplicaNames())
	assert.Equal(t, map[int]string{0: "aa"}, env.Replicas[0].Measurements)

	attestationType, err := env.AttestationType()
	require.NoError(t, err)
	assert.Equal(t, "qemu-tdx", attestationType.StringID)

	_, err = LoadEnvironment(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"threshold": 5, "attestation": "dummy", "replicas": [{"name": "r1"}, {"name": "r2"}]}`), 0600))
	_, err = LoadEnvironment(path)
	assert.ErrorContains(t, err, "invalid environment")
}
