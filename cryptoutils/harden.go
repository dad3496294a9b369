package cryptoutils

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const hardenKeyLen = 32

// HardenParams are the Argon2id cost parameters. They are recorded with every
// backup so a restore stretches the password the same way.
type HardenParams struct {
	Time    uint32 `json:"t"`
	Memory  uint32 `json:"m"`
	Threads uint8  `json:"p"`
}

// DefaultHardenParams follows the Argon2id recommendation for interactive use.
var DefaultHardenParams = HardenParams{Time: 2, Memory: 64 * 1024, Threads: 4}

// Upper bounds on the Argon2id cost. Share sets carry their parameters, so
// these cap the work a crafted share set can demand from a restore.
const (
	MaxHardenTime    = 16
	MaxHardenMemory  = 1 << 20 // KiB
	MaxHardenThreads = 16
)

// Validate rejects parameters argon2 cannot work with and costs above the
// Max* bounds.
func (p HardenParams) Validate() error {
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return fmt.Errorf("invalid argon2id parameters t=%d m=%d p=%d", p.Time, p.Memory, p.Threads)
	}
	if p.Time > MaxHardenTime || p.Memory > MaxHardenMemory || p.Threads > MaxHardenThreads {
		return fmt.Errorf("argon2id parameters t=%d m=%d p=%d exceed t=%d m=%d p=%d",
			p.Time, p.Memory, p.Threads, MaxHardenTime, MaxHardenMemory, MaxHardenThreads)
	}
	return nil
}

// HardenPassword stretches password with Argon2id under salt.
func HardenPassword(password string, salt []byte, params HardenParams) []byte {
	return argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, hardenKeyLen)
}

// DeriveKey expands key into n bytes bound to info using HKDF-SHA256.
func DeriveKey(key []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("hkdf expand %q: %w", info, err)
	}
	return out, nil
}

// XORBytes returns a ^ b. Both slices must have the same length.
func XORBytes(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("length mismatch: %d != %d", len(a), len(b))
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out, nil
}

// WipeBytes zeroes data in place.
func WipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
