// Package enclave connects clients to a quorum of attested replicas.
//
// An Environment lists the replicas of one deployment together with the
// restore threshold and the attestation policy. Provider dials every replica
// concurrently through a Dialer, runs the attestation handshake on each
// stream and hands out a Connections bundle with exactly one connection per
// replica:
//
//	env, err := enclave.LoadEnvironment("environment.json")
//	provider, err := enclave.NewProvider(env, enclave.HTTPDialer(nil, 10*time.Second, creds), logger)
//	conns, err := provider.Connect(ctx)
//	defer conns.Close()
//
// The handshake sends a fresh 32 byte nonce to GET /v1/attestation/{nonce}.
// The replica answers with a quote over ReportData(nonce, replica name,
// channel key), which is verified against the environment's attestation type
// and the replica's expected measurements. For https replicas the channel key
// is the key of the TLS certificate the stream saw first; HTTPStream pins it,
// so a relay cannot answer the handshake through a genuine replica and serve
// the remaining requests itself. Any failure closes every stream already opened and
// is reported as *interfaces.ConnectionError.
//
// Two stream kinds are provided. HTTPStream speaks JSON over HTTP and owns its
// transport. LocalStream serves requests with an in-process http.Handler.
package enclave
