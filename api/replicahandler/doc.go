// Package replicahandler implements the replica side of the api contract.
//
// A replica holds, per user, one masked share together with the auth tag that
// releases it and a try counter. Every restore attempt that reaches a stored
// backup consumes a try, successful or not; the backup is deleted when the
// counter reaches zero. Shares never leave the replica unmasked, and the
// replica never learns the password or the secret.
//
// The handler attests to its own name on GET /v1/attestation/{nonce} so
// clients can bind every connection to the replica they expect.
package replicahandler
