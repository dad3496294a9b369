// Package ppss is the reference password-protected secret sharing engine.
//
// Backup stretches the password with Argon2id under a fresh salt, splits the
// 32 byte secret with Shamir's scheme into one share per replica at the
// connection bundle's threshold, and uploads every share masked with an
// HKDF-derived key together with a per-replica auth tag and the try limit.
// The returned share set records what restore needs to re-derive those keys
// (backup id, salt, Argon2id parameters, replica order) and a commitment to
// the secret; it holds no share material.
//
// Restore re-derives the tags, makes one attempt on every replica and
// recombines the shares of those that accept it. Replicas count every
// attempt against the limit. The recovered value is only returned when it
// matches the commitment, so a wrong password never yields a value.
//
// Query reports the lowest try count among at least threshold replicas.
// Remove deletes the backup everywhere.
package ppss
