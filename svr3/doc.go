// Package svr3 implements the operation dispatcher of the secure value
// recovery client.
//
// Client[C] is the single generic composition of a connection provider and a
// protocol engine. Any type that satisfies interfaces.Connector[C] gains
// Backup, Restore, Query and Remove by being paired with an
// interfaces.Engine[C]:
//
//	provider, err := enclave.NewProvider(env, enclave.HTTPDialer(nil, timeout, creds), logger)
//	engine := ppss.NewEngine[*enclave.HTTPStream](cryptoutils.DefaultHardenParams, logger)
//	client := svr3.New[enclave.Connections[*enclave.HTTPStream]](provider, engine)
//
//	shareSet, err := client.Backup(ctx, password, secret, maxTries, rand.Reader)
//
// Each call opens fresh connections, delegates to the engine, closes the
// bundle when it implements io.Closer and returns the engine's result
// untouched. Failures are either *interfaces.ConnectionError or
// *interfaces.ProtocolError; nothing is logged, retried or swallowed here, so
// retry policy belongs to the caller.
//
// The rng passed to Backup and Restore must not be shared with another
// concurrent call.
package svr3
