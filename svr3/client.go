package svr3

import (
	"context"
	"errors"
	"io"

	"github.com/ruteri/tee-secure-value-recovery/interfaces"
)

// Client derives the four recovery capabilities from a connector and an engine
// that agree on the connection bundle type C.
//
// Every operation acquires its own bundle through the connector and hands it
// to the engine; bundles are never cached or shared between calls, so a Client
// is safe for concurrent use whenever its connector and engine are.
type Client[C any] struct {
	connector interfaces.Connector[C]
	engine    interfaces.Engine[C]
}

var _ interfaces.Service = (*Client[struct{}])(nil)

// New pairs connector with engine. The shared type parameter rejects a
// mismatched pairing at compile time.
func New[C any](connector interfaces.Connector[C], engine interfaces.Engine[C]) *Client[C] {
	return &Client[C]{
		connector: connector,
		engine:    engine,
	}
}

// Backup stores secret protected by password on the replicas and returns the
// share set the caller must persist for later restores.
func (c *Client[C]) Backup(ctx context.Context, password string, secret interfaces.Secret, maxTries interfaces.MaxTries, rng io.Reader) (interfaces.ShareSet, error) {
	if err := maxTries.Validate(); err != nil {
		return nil, err
	}

	conns, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release(conns)

	shareSet, err := c.engine.Backup(ctx, conns, password, secret, maxTries, rng)
	if err != nil {
		return nil, protocolError(err)
	}
	return shareSet, nil
}

// Restore recovers the secret described by shareSet. A wrong password is not
// detected here; the engine decides whether it fails or yields another value.
func (c *Client[C]) Restore(ctx context.Context, password string, shareSet interfaces.ShareSet, rng io.Reader) (interfaces.EvaluationResult, error) {
	conns, err := c.connect(ctx)
	if err != nil {
		return interfaces.EvaluationResult{}, err
	}
	defer release(conns)

	result, err := c.engine.Restore(ctx, conns, password, shareSet, rng)
	if err != nil {
		return interfaces.EvaluationResult{}, protocolError(err)
	}
	return result, nil
}

// Query returns the remaining restore attempts of the addressed backup.
func (c *Client[C]) Query(ctx context.Context) (uint32, error) {
	conns, err := c.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer release(conns)

	tries, err := c.engine.Query(ctx, conns)
	if err != nil {
		return 0, protocolError(err)
	}
	return tries, nil
}

// Remove deletes the addressed backup from every replica.
func (c *Client[C]) Remove(ctx context.Context) error {
	conns, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer release(conns)

	if err := c.engine.Remove(ctx, conns); err != nil {
		return protocolError(err)
	}
	return nil
}

func (c *Client[C]) connect(ctx context.Context) (C, error) {
	conns, err := c.connector.Connect(ctx)
	if err != nil {
		var zero C
		var connErr *interfaces.ConnectionError
		if errors.As(err, &connErr) {
			return zero, err
		}
		return zero, &interfaces.ConnectionError{Err: err}
	}
	return conns, nil
}

// release closes a bundle that holds resources. Close errors are dropped:
// the operation's outcome is already decided.
func release[C any](conns C) {
	if closer, ok := any(conns).(io.Closer); ok {
		_ = closer.Close()
	}
}

// protocolError surfaces an engine failure. Errors the engine already
// classified as connection or protocol errors pass through unchanged.
func protocolError(err error) error {
	var connErr *interfaces.ConnectionError
	var protoErr *interfaces.ProtocolError
	if errors.As(err, &connErr) || errors.As(err, &protoErr) {
		return err
	}
	return &interfaces.ProtocolError{Err: err}
}
