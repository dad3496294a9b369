// Package interfaces defines core contracts and types for the secure value
// recovery client, separating interface definitions from implementations.
//
// # Recovery capabilities
//
// Backuper, Restorer, Querier and Remover are the four independent operations
// exposed to callers. Service bundles them.
//
// # Composition contracts
//
// Connector[C] opens a verified quorum connection bundle of type C for a single
// operation. Engine[C] runs the recovery protocol over such a bundle. The
// shared type parameter is what pairs a transport with the engine able to use
// its connections; the generic client in package svr3 derives all four
// capabilities from one Connector and one Engine.
//
// # Data types
//
//   - Secret: the 32-byte protected value
//   - MaxTries: the non-zero restore attempt limit
//   - ShareSet: the opaque token a backup returns and a restore consumes
//   - EvaluationResult: the recovered secret with the remaining try count
//
// # Errors
//
// ConnectionError and ProtocolError form a flat union of the two failure
// domains. Engines classify protocol failures with the sentinel errors in this
// package (ErrInsufficientQuorum, ErrTriesExhausted, ...) which callers test
// with errors.Is.
//
// # Storage
//
// StorageBackend and StorageBackendFactory describe content-addressed blob
// stores that callers use to persist share sets between operations.
package interfaces
