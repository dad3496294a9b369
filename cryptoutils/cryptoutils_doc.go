// Package cryptoutils provides the attestation and key-stretching primitives
// used by the secure value recovery client and its reference replicas.
//
// # Attestation
//
// Replicas prove they run inside a trusted execution environment by returning
// a quote over report data chosen by the client. ReportData binds the
// client's handshake nonce to the replica name and the replica's TLS key:
//
//	[nonce (32 bytes)][sha256(len(name) || name || channel key) (32 bytes)]
//
// The channel key is DERPubkeyHash of the certificate the replica serves.
// Clients pin it with KeyPin, so every later request of the operation reaches
// the attested enclave.
//
// AttestationProvider produces quotes (TDX via go-tdx-guest, a remote quote
// service, or a dummy provider for development). AttestationVerifier checks
// them and returns the measurement registers, which DCAPVerifier compares with
// an expected set.
//
// # Password hardening
//
// HardenPassword stretches a password with Argon2id. DeriveKey expands the
// hardened key into per-purpose subkeys with HKDF-SHA256.
package cryptoutils
