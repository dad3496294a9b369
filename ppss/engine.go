package ppss

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/tee-secure-value-recovery/api"
	"github.com/ruteri/tee-secure-value-recovery/cryptoutils"
	"github.com/ruteri/tee-secure-value-recovery/enclave"
	"github.com/ruteri/tee-secure-value-recovery/interfaces"
	"golang.org/x/sync/errgroup"
)

const (
	backupIDSize   = 16
	saltSize       = 16
	tagSize        = 32
	commitmentSize = sha256.Size

	// shamir appends the x coordinate to every share.
	shareSize = interfaces.SecretSize + 1
)

// Engine is the reference protocol engine. The secret is split with Shamir's
// scheme into one share per replica at the bundle's threshold. Each share is
// masked, and each replica is given an auth tag, with keys derived from the
// Argon2id-hardened password, so replicas never see the password and only
// release a share to a caller who can reproduce the tag.
type Engine[S enclave.Stream] struct {
	harden cryptoutils.HardenParams
	log    *slog.Logger
}

var _ interfaces.Engine[enclave.Connections[*enclave.HTTPStream]] = (*Engine[*enclave.HTTPStream])(nil)

// NewEngine returns an engine hardening passwords with params. Restores use
// the parameters recorded in the share set instead.
func NewEngine[S enclave.Stream](params cryptoutils.HardenParams, log *slog.Logger) *Engine[S] {
	if log == nil {
		log = slog.Default()
	}
	return &Engine[S]{harden: params, log: log}
}

type replicaKeys struct {
	mask []byte
	tag  []byte
}

func deriveReplicaKeys(hardened, backupID []byte, replica string) (replicaKeys, error) {
	okm, err := cryptoutils.DeriveKey(hardened, "svr share "+replica+" "+hex.EncodeToString(backupID), shareSize+tagSize)
	if err != nil {
		return replicaKeys{}, err
	}
	return replicaKeys{mask: okm[:shareSize], tag: okm[shareSize:]}, nil
}

func commitment(hardened, backupID []byte, secret []byte) ([]byte, error) {
	key, err := cryptoutils.DeriveKey(hardened, "svr commitment "+hex.EncodeToString(backupID), sha256.Size)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.WipeBytes(key)

	mac := hmac.New(sha256.New, key)
	mac.Write(secret)
	return mac.Sum(nil), nil
}

func replicaNames[S enclave.Stream](conns enclave.Connections[S]) []string {
	names := make([]string, conns.Len())
	for i, conn := range conns.All() {
		names[i] = conn.Replica.Name
	}
	return names
}

// Backup splits secret across every replica of conns. All replicas must store
// their share; otherwise no share set is returned.
func (e *Engine[S]) Backup(ctx context.Context, conns enclave.Connections[S], password string, secret interfaces.Secret, maxTries interfaces.MaxTries, rng io.Reader) (interfaces.ShareSet, error) {
	if err := maxTries.Validate(); err != nil {
		return nil, err
	}
	if err := e.harden.Validate(); err != nil {
		return nil, err
	}
	n, t := conns.Len(), conns.Threshold()
	if n < 2 || t < 2 || t > n || n > 255 {
		return nil, &interfaces.ProtocolError{Err: fmt.Errorf("%w: threshold %d of %d connections", interfaces.ErrInsufficientQuorum, t, n)}
	}

	envelope := &Envelope{
		Version:   shareSetVersion,
		BackupID:  make([]byte, backupIDSize),
		Threshold: t,
		Replicas:  replicaNames(conns),
		Salt:      make([]byte, saltSize),
		Harden:    e.harden,
	}
	if _, err := io.ReadFull(rng, envelope.BackupID); err != nil {
		return nil, fmt.Errorf("could not generate backup id: %w", err)
	}
	if _, err := io.ReadFull(rng, envelope.Salt); err != nil {
		return nil, fmt.Errorf("could not generate salt: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hardened := cryptoutils.HardenPassword(password, envelope.Salt, envelope.Harden)
	defer cryptoutils.WipeBytes(hardened)

	var err error
	if envelope.Commitment, err = commitment(hardened, envelope.BackupID, secret[:]); err != nil {
		return nil, err
	}

	shares, err := shamir.Split(secret[:], n, t)
	if err != nil {
		return nil, fmt.Errorf("could not split secret: %w", err)
	}
	defer func() {
		for _, share := range shares {
			cryptoutils.WipeBytes(share)
		}
	}()

	requests := make([]api.BackupRequest, n)
	for i, name := range envelope.Replicas {
		keys, err := deriveReplicaKeys(hardened, envelope.BackupID, name)
		if err != nil {
			return nil, err
		}
		masked, err := cryptoutils.XORBytes(shares[i], keys.mask)
		if err != nil {
			return nil, err
		}
		requests[i] = api.BackupRequest{
			BackupID:    envelope.BackupID,
			MaskedShare: masked,
			AuthTag:     keys.tag,
			MaxTries:    uint32(maxTries),
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, conn := range conns.All() {
		g.Go(func() error {
			err := conn.Stream.Do(gctx, http.MethodPut, api.BackupPath, &requests[i], nil)
			return classify(conn.Replica.Name, err)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.log.Debug("Backup stored", slog.Int("replicas", n), slog.Int("threshold", t), slog.Uint64("maxTries", uint64(maxTries)))
	return envelope.Encode()
}

type restoreAttempt struct {
	share []byte
	tries uint32
	err   error
}

// Restore makes one attempt on every replica and recombines the shares of
// those that accept it. Every replica that receives the request consumes a
// try, whether or not the password is right.
func (e *Engine[S]) Restore(ctx context.Context, conns enclave.Connections[S], password string, shareSet interfaces.ShareSet, rng io.Reader) (interfaces.EvaluationResult, error) {
	envelope, err := DecodeShareSet(shareSet)
	if err != nil {
		return interfaces.EvaluationResult{}, &interfaces.ProtocolError{Err: err}
	}
	if err := matchReplicas(envelope, conns); err != nil {
		return interfaces.EvaluationResult{}, &interfaces.ProtocolError{Err: err}
	}

	// Hardening cannot be interrupted; a canceled restore must not start it.
	if err := ctx.Err(); err != nil {
		return interfaces.EvaluationResult{}, err
	}
	hardened := cryptoutils.HardenPassword(password, envelope.Salt, envelope.Harden)
	defer cryptoutils.WipeBytes(hardened)

	keys := make([]replicaKeys, conns.Len())
	for i, name := range envelope.Replicas {
		if keys[i], err = deriveReplicaKeys(hardened, envelope.BackupID, name); err != nil {
			return interfaces.EvaluationResult{}, err
		}
	}

	attempts := make([]restoreAttempt, conns.Len())
	var g errgroup.Group
	for i, conn := range conns.All() {
		g.Go(func() error {
			attempts[i] = restoreFrom(ctx, conn.Replica.Name, conn.Stream, envelope.BackupID, keys[i])
			return nil
		})
	}
	_ = g.Wait()

	shares := make([][]byte, 0, len(attempts))
	errs := make([]error, 0, len(attempts))
	var triesRemaining uint32
	for _, attempt := range attempts {
		if attempt.err != nil {
			errs = append(errs, attempt.err)
			continue
		}
		if len(shares) == 0 || attempt.tries < triesRemaining {
			triesRemaining = attempt.tries
		}
		shares = append(shares, attempt.share)
	}
	defer func() {
		for _, share := range shares {
			cryptoutils.WipeBytes(share)
		}
	}()

	if len(shares) < envelope.Threshold {
		return interfaces.EvaluationResult{}, quorumError(len(shares), envelope.Threshold, errs)
	}

	value, err := shamir.Combine(shares)
	if err != nil {
		return interfaces.EvaluationResult{}, &interfaces.ProtocolError{Err: fmt.Errorf("%w: %w", interfaces.ErrVerificationFailed, err)}
	}
	defer cryptoutils.WipeBytes(value)

	expected, err := commitment(hardened, envelope.BackupID, value)
	if err != nil {
		return interfaces.EvaluationResult{}, err
	}
	if !hmac.Equal(expected, envelope.Commitment) {
		return interfaces.EvaluationResult{}, &interfaces.ProtocolError{Err: fmt.Errorf("%w: commitment mismatch", interfaces.ErrVerificationFailed)}
	}

	secret, err := interfaces.NewSecretFromBytes(value)
	if err != nil {
		return interfaces.EvaluationResult{}, &interfaces.ProtocolError{Err: err}
	}

	e.log.Debug("Backup restored", slog.Int("responders", len(shares)), slog.Uint64("triesRemaining", uint64(triesRemaining)))
	return interfaces.EvaluationResult{Value: secret, TriesRemaining: triesRemaining}, nil
}

func restoreFrom(ctx context.Context, replica string, stream enclave.Stream, backupID []byte, keys replicaKeys) restoreAttempt {
	var resp api.RestoreResponse
	req := &api.RestoreRequest{BackupID: backupID, AuthTag: keys.tag}
	if err := stream.Do(ctx, http.MethodPost, api.RestorePath, req, &resp); err != nil {
		return restoreAttempt{err: classify(replica, err)}
	}

	share, err := cryptoutils.XORBytes(resp.MaskedShare, keys.mask)
	if err != nil {
		return restoreAttempt{err: &interfaces.ProtocolError{Replica: replica, Err: fmt.Errorf("malformed share: %w", err)}}
	}
	return restoreAttempt{share: share, tries: resp.TriesRemaining}
}

// Query returns the lowest try count reported by the replicas. At least
// threshold replicas must answer.
func (e *Engine[S]) Query(ctx context.Context, conns enclave.Connections[S]) (uint32, error) {
	if conns.Len() == 0 {
		return 0, &interfaces.ProtocolError{Err: interfaces.ErrInsufficientQuorum}
	}

	responses := make([]api.TriesResponse, conns.Len())
	failures := make([]error, conns.Len())
	var g errgroup.Group
	for i, conn := range conns.All() {
		g.Go(func() error {
			err := conn.Stream.Do(ctx, http.MethodGet, api.TriesPath, nil, &responses[i])
			failures[i] = classify(conn.Replica.Name, err)
			return nil
		})
	}
	_ = g.Wait()

	var (
		tries      uint32
		responders int
		errs       []error
	)
	for i := range responses {
		if failures[i] != nil {
			errs = append(errs, failures[i])
			continue
		}
		if responders == 0 || responses[i].TriesRemaining < tries {
			tries = responses[i].TriesRemaining
		}
		responders++
	}

	if responders < conns.Threshold() {
		return 0, quorumError(responders, conns.Threshold(), errs)
	}
	return tries, nil
}

// Remove deletes the backup from every replica. A replica that no longer
// holds it counts as removed.
func (e *Engine[S]) Remove(ctx context.Context, conns enclave.Connections[S]) error {
	failures := make([]error, conns.Len())
	var g errgroup.Group
	for i, conn := range conns.All() {
		g.Go(func() error {
			err := conn.Stream.Do(ctx, http.MethodDelete, api.BackupPath, nil, nil)
			if errors.Is(err, interfaces.ErrBackupNotFound) {
				err = nil
			}
			failures[i] = classify(conn.Replica.Name, err)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range failures {
		if err != nil {
			return err
		}
	}

	e.log.Debug("Backup removed", slog.Int("replicas", conns.Len()))
	return nil
}

// matchReplicas rejects a share set produced for a different quorum.
func matchReplicas[S enclave.Stream](envelope *Envelope, conns enclave.Connections[S]) error {
	names := replicaNames(conns)
	if len(names) != len(envelope.Replicas) {
		return fmt.Errorf("%w: share set covers %d replicas, connected to %d", interfaces.ErrBackupMismatch, len(envelope.Replicas), len(names))
	}
	for i := range names {
		if names[i] != envelope.Replicas[i] {
			return fmt.Errorf("%w: share set replica %d is %s, connected to %s", interfaces.ErrBackupMismatch, i, envelope.Replicas[i], names[i])
		}
	}
	return nil
}

// classify keeps connection errors and turns every other replica failure
// into a protocol error.
func classify(replica string, err error) error {
	if err == nil {
		return nil
	}
	if interfaces.IsConnectionError(err) {
		return err
	}
	return &interfaces.ProtocolError{Replica: replica, Err: err}
}

// quorumError reports too few answering replicas. A transport failure is
// surfaced as such, so callers can tell a dropped link from a rejection.
func quorumError(got, threshold int, errs []error) error {
	for _, err := range errs {
		if interfaces.IsConnectionError(err) {
			return err
		}
	}
	return &interfaces.ProtocolError{Err: fmt.Errorf("%w: %d of %d required replicas answered: %w", interfaces.ErrInsufficientQuorum, got, threshold, errors.Join(errs...))}
}
