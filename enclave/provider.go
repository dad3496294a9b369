package enclave

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ruteri/tee-secure-value-recovery/api"
	"github.com/ruteri/tee-secure-value-recovery/cryptoutils"
	"github.com/ruteri/tee-secure-value-recovery/interfaces"
	"golang.org/x/sync/errgroup"
)

// Dialer opens a raw stream to one replica. It must be safe for concurrent use.
type Dialer[S Stream] func(ctx context.Context, replica Replica) (S, error)

// Connection is an attested stream to one replica.
type Connection[S Stream] struct {
	Replica      Replica
	Stream       S
	Measurements map[int]string
}

// Connections is the bundle handed to the protocol engine: one attested
// connection per environment replica, in environment order.
type Connections[S Stream] struct {
	threshold int
	conns     []Connection[S]
}

// NewConnections assembles a bundle. Provider builds bundles itself; this is
// exported for engines tested against hand-made streams.
func NewConnections[S Stream](threshold int, conns []Connection[S]) Connections[S] {
	return Connections[S]{threshold: threshold, conns: conns}
}

// Threshold is the number of replicas needed to restore.
func (c Connections[S]) Threshold() int {
	return c.threshold
}

// Len is the number of connections in the bundle.
func (c Connections[S]) Len() int {
	return len(c.conns)
}

// All returns the connections in environment order.
func (c Connections[S]) All() []Connection[S] {
	return c.conns
}

// Close closes every stream and returns the first error.
func (c Connections[S]) Close() error {
	var errs []error
	for _, conn := range c.conns {
		if err := conn.Stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", conn.Replica.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Provider connects to every replica of an environment and verifies each one's
// attestation before handing out the bundle. It keeps no connection state
// between calls and is safe for concurrent use.
type Provider[S Stream] struct {
	env       Environment
	dial      Dialer[S]
	verifiers []cryptoutils.AttestationVerifier
	log       *slog.Logger
}

var _ interfaces.Connector[Connections[*HTTPStream]] = (*Provider[*HTTPStream])(nil)

// NewProvider builds a provider for env. Each replica is verified with the
// environment's attestation type and the replica's expected measurements.
func NewProvider[S Stream](env Environment, dial Dialer[S], log *slog.Logger) (*Provider[S], error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	attestationType, err := env.AttestationType()
	if err != nil {
		return nil, err
	}

	verifiers := make([]cryptoutils.AttestationVerifier, len(env.Replicas))
	for i, replica := range env.Replicas {
		verifier, err := cryptoutils.AttestationVerifierFor(attestationType, replica.Measurements)
		if err != nil {
			return nil, fmt.Errorf("replica %s: %w", replica.Name, err)
		}
		verifiers[i] = verifier
	}

	if log == nil {
		log = slog.Default()
	}

	return &Provider[S]{
		env:       env,
		dial:      dial,
		verifiers: verifiers,
		log:       log,
	}, nil
}

// Environment returns the environment the provider connects to.
func (p *Provider[S]) Environment() Environment {
	return p.env
}

// Connect dials and attests all replicas concurrently. If any replica fails,
// every stream opened so far is closed and a *interfaces.ConnectionError for
// the first failure is returned.
func (p *Provider[S]) Connect(ctx context.Context) (Connections[S], error) {
	start := time.Now()
	conns := make([]Connection[S], len(p.env.Replicas))
	opened := make([]bool, len(p.env.Replicas))

	g, gctx := errgroup.WithContext(ctx)
	for i, replica := range p.env.Replicas {
		g.Go(func() error {
			conn, err := p.open(gctx, replica, p.verifiers[i])
			if err != nil {
				return err
			}
			conns[i] = conn
			opened[i] = true
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for i := range conns {
			if opened[i] {
				_ = conns[i].Stream.Close()
			}
		}
		p.log.Debug("Quorum connection failed",
			slog.String("environment", p.env.Name),
			slog.Duration("duration", time.Since(start)),
			"err", err)
		return Connections[S]{}, err
	}

	p.log.Debug("Quorum connected",
		slog.String("environment", p.env.Name),
		slog.Int("replicas", len(conns)),
		slog.Duration("duration", time.Since(start)))

	return Connections[S]{threshold: p.env.Threshold, conns: conns}, nil
}

func (p *Provider[S]) open(ctx context.Context, replica Replica, verifier cryptoutils.AttestationVerifier) (Connection[S], error) {
	stream, err := p.dial(ctx, replica)
	if err != nil {
		return Connection[S]{}, connectionError(replica, fmt.Errorf("dial: %w", err))
	}

	measurements, err := attest(ctx, stream, replica, verifier)
	if err != nil {
		_ = stream.Close()
		return Connection[S]{}, connectionError(replica, err)
	}

	return Connection[S]{
		Replica:      replica,
		Stream:       stream,
		Measurements: measurements,
	}, nil
}

// attest runs the nonce handshake: the replica must return a quote over
// ReportData(nonce, replica name, channel key) of the expected type. The
// channel key is read after the request, once the stream has pinned it.
func attest(ctx context.Context, stream Stream, replica Replica, verifier cryptoutils.AttestationVerifier) (map[int]string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("could not generate handshake nonce: %w", err)
	}

	var resp api.AttestationResponse
	if err := stream.Do(ctx, http.MethodGet, api.AttestationPath+hex.EncodeToString(nonce[:]), nil, &resp); err != nil {
		return nil, fmt.Errorf("attestation request: %w", err)
	}

	if resp.Replica != replica.Name {
		return nil, fmt.Errorf("replica announced itself as %q", resp.Replica)
	}
	if resp.AttestationType != verifier.AttestationType().StringID {
		return nil, fmt.Errorf("unexpected attestation type %q, expected %q", resp.AttestationType, verifier.AttestationType().StringID)
	}

	measurements, err := verifier.Verify(cryptoutils.ReportData(nonce, replica.Name, stream.ChannelKey()), resp.Quote)
	if err != nil {
		return nil, fmt.Errorf("attestation verification: %w", err)
	}
	return measurements, nil
}

// connectionError returns a bare connection error for replica unchanged and
// wraps anything else.
func connectionError(replica Replica, err error) error {
	if connErr, ok := err.(*interfaces.ConnectionError); ok && connErr.Replica == replica.Name {
		return connErr
	}
	return &interfaces.ConnectionError{Replica: replica.Name, Err: err}
}
