/*
Package api defines the wire contract between secure value recovery clients
and replicas.

Every replica serves the same JSON API. Requests are authenticated with HTTP
basic auth; the username selects the backup the request addresses.

	GET    /v1/attestation/{nonce}  attestation handshake
	PUT    /v1/backup               store a masked share (BackupRequest)
	POST   /v1/restore              one restore attempt (RestoreRequest)
	GET    /v1/tries                remaining attempts (TriesResponse)
	DELETE /v1/backup               remove the backup

Rejections carry an ErrorResponse with one of the Code constants and, for
restore attempts, the tries left after the attempt.

The replicahandler subpackage implements the replica side. Clients live in
the enclave and ppss packages.
*/
package api
