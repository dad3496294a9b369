package ppss

import (
	"bytes"
	"math"
	"testing"

	"github.com/ruteri/tee-secure-value-recovery/cryptoutils"
	"github.com/ruteri/tee-secure-value-recovery/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope() *Envelope {
	return &Envelope{
		Version:    shareSetVersion,
		BackupID:   bytes.Repeat([]byte{1}, backupIDSize),
		Threshold:  2,
		Replicas:   []string{"r1", "r2", "r3"},
		Salt:       bytes.Repeat([]byte{2}, saltSize),
		Harden:     cryptoutils.DefaultHardenParams,
		Commitment: bytes.Repeat([]byte{3}, commitmentSize),
	}
}

func TestDecodeShareSet(t *testing.T) {
	encoded, err := validEnvelope().Encode()
	require.NoError(t, err)

	decoded, err := DecodeShareSet(encoded)
	require.NoError(t, err)
	assert.Equal(t, validEnvelope(), decoded)
}

func TestDecodeShareSet_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{name: "unknown version", mutate: func(e *Envelope) { e.Version = 2 }},
		{name: "short backup id", mutate: func(e *Envelope) { e.BackupID = []byte{1} }},
		{name: "missing salt", mutate: func(e *Envelope) { e.Salt = nil }},
		{name: "threshold above replicas", mutate: func(e *Envelope) { e.Threshold = 4 }},
		{name: "threshold one", mutate: func(e *Envelope) { e.Threshold = 1 }},
		{name: "truncated commitment", mutate: func(e *Envelope) { e.Commitment = e.Commitment[:4] }},
		{name: "zero harden params", mutate: func(e *Envelope) { e.Harden = cryptoutils.HardenParams{} }},
		{
			name: "oversized harden params",
			mutate: func(e *Envelope) {
				e.Harden = cryptoutils.HardenParams{Time: math.MaxUint32, Memory: math.MaxUint32, Threads: 255}
			},
		},
		{
			name:   "harden time above bound",
			mutate: func(e *Envelope) { e.Harden.Time = cryptoutils.MaxHardenTime + 1 },
		},
		{
			name:   "harden memory above bound",
			mutate: func(e *Envelope) { e.Harden.Memory = cryptoutils.MaxHardenMemory + 1 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEnvelope()
			tt.mutate(e)
			encoded, err := e.Encode()
			require.NoError(t, err)

			_, err = DecodeShareSet(encoded)
			assert.ErrorIs(t, err, interfaces.ErrMalformedShareSet)
		})
	}

	_, err := DecodeShareSet(interfaces.ShareSet("{"))
	assert.ErrorIs(t, err, interfaces.ErrMalformedShareSet)
}
