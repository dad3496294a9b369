// Package storage provides content-addressed blob storage with pluggable
// backends. The recovery client uses it to keep share sets between a backup
// and later restores, and to publish replica environments.
//
// Content is identified by the SHA-256 hash of its bytes. Every backend
// verifies that hash on Fetch, so a tampering backend can withhold a share set
// but cannot substitute one. Share sets and environments live in separate
// namespaces.
//
// Backends are selected by URI:
//
//	file:///var/lib/svr/
//	s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2[&endpoint=URL]
//	ipfs://localhost:5001/svr?timeout=30s
//	vault://vault.example.com:8200/secret/svr[?tls=false]
//
// Vault backends authenticate with a TLS client certificate when the factory
// is configured through WithTLSAuth, and with VAULT_TOKEN otherwise.
//
// MultiStorageBackend writes to every available backend and reads from the
// first one holding the content:
//
//	factory := storage.NewStorageBackendFactory(logger)
//	backend, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{
//	    "file:///var/lib/svr/",
//	    "s3://svr-backups/prod?region=eu-west-1",
//	})
//	id, err := backend.Store(ctx, shareSet, interfaces.ShareSetType)
package storage
