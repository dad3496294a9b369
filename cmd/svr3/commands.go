package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/ruteri/tee-secure-value-recovery/cmd/flags"
	"github.com/ruteri/tee-secure-value-recovery/cryptoutils"
	"github.com/ruteri/tee-secure-value-recovery/enclave"
	"github.com/ruteri/tee-secure-value-recovery/interfaces"
	"github.com/ruteri/tee-secure-value-recovery/ppss"
	"github.com/ruteri/tee-secure-value-recovery/retry"
	"github.com/ruteri/tee-secure-value-recovery/storage"
	"github.com/ruteri/tee-secure-value-recovery/svr3"
	"github.com/urfave/cli/v2"
)

type httpClient = svr3.Client[enclave.Connections[*enclave.HTTPStream]]

var hardenParams = cryptoutils.DefaultHardenParams

// session is what every subcommand needs: a logger, the optional storage
// backend and a way to build the recovery client.
type session struct {
	cCtx    *cli.Context
	log     *slog.Logger
	storage interfaces.StorageBackend
}

func newSession(cCtx *cli.Context) (*session, error) {
	s := &session{cCtx: cCtx, log: flags.SetupLogger(cCtx)}

	locations := cCtx.StringSlice("storage")
	if len(locations) == 0 {
		return s, nil
	}

	uris := make([]interfaces.StorageBackendLocation, 0, len(locations))
	for _, raw := range locations {
		uri, err := interfaces.NewStorageBackendLocation(raw)
		if err != nil {
			return nil, err
		}
		uris = append(uris, uri)
	}

	var factory interfaces.StorageBackendFactory = storage.NewStorageBackendFactory(s.log)
	if certFile := cCtx.String("vault-cert"); certFile != "" {
		keyFile := cCtx.String("vault-key")
		factory = factory.WithTLSAuth(func() (tls.Certificate, error) {
			return tls.LoadX509KeyPair(certFile, keyFile)
		})
	}

	backend, err := factory.CreateMultiBackend(uris)
	if err != nil {
		return nil, fmt.Errorf("could not set up storage: %w", err)
	}
	s.storage = backend
	return s, nil
}

func (s *session) client(ctx context.Context) (*httpClient, error) {
	user := s.cCtx.String("user")
	if user == "" {
		return nil, errors.New("--user is required")
	}

	env, err := s.environment(ctx)
	if err != nil {
		return nil, err
	}

	creds := enclave.Credentials{Username: user, Password: s.cCtx.String("replica-password")}
	provider, err := enclave.NewProvider(env, enclave.HTTPDialer(nil, s.cCtx.Duration("timeout"), creds), s.log)
	if err != nil {
		return nil, err
	}

	s.log.Debug("Using environment",
		slog.String("environment", env.Name),
		slog.Int("replicas", len(env.Replicas)),
		slog.Int("threshold", env.Threshold))

	engine := ppss.NewEngine[*enclave.HTTPStream](hardenParams, s.log)
	return svr3.New[enclave.Connections[*enclave.HTTPStream]](provider, engine), nil
}

// retryable is the policy for operations that are safe to repeat.
func (s *session) retryable() retry.Options {
	opts := retry.Default
	opts.MaxAttempts = s.cCtx.Int("retries")
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return opts
}

func (s *session) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, s.retryable(), retry.OnConnectionError, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && retry.OnConnectionError(err) {
			s.log.Warn("Replica connection failed", slog.String("operation", op), slog.Int("attempt", attempt), "err", err)
		}
		return err
	})
}

func (s *session) print(format string, args ...any) {
	fmt.Fprintf(s.cCtx.App.Writer, format+"\n", args...)
}

func backupAction(cCtx *cli.Context) error {
	ctx := cCtx.Context
	s, err := newSession(cCtx)
	if err != nil {
		return err
	}

	rawTries := cCtx.Uint64("max-tries")
	if rawTries > math.MaxUint32 {
		return fmt.Errorf("max-tries %d exceeds %d", rawTries, uint64(math.MaxUint32))
	}
	maxTries, err := interfaces.NewMaxTries(uint32(rawTries))
	if err != nil {
		return err
	}

	secret, generated, err := readSecret(cCtx.String("secret"))
	if err != nil {
		return err
	}

	client, err := s.client(ctx)
	if err != nil {
		return err
	}

	var shareSet interfaces.ShareSet
	err = s.withRetry(ctx, "backup", func(ctx context.Context) error {
		shareSet, err = client.Backup(ctx, cCtx.String("password"), secret, maxTries, rand.Reader)
		return err
	})
	if err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}

	if generated {
		s.print("secret: %s", secret)
	}
	if s.storage != nil {
		id, err := s.storage.Store(ctx, shareSet, interfaces.ShareSetType)
		if err != nil {
			s.print("shareset: %s", shareSet)
			return fmt.Errorf("backup succeeded but the share set could not be stored: %w", err)
		}
		s.print("shareset-id: %s", id)
	}
	if s.storage == nil || cCtx.Bool("print-shareset") {
		s.print("shareset: %s", shareSet)
	}
	return nil
}

func readSecret(encoded string) (interfaces.Secret, bool, error) {
	if encoded != "" {
		secret, err := interfaces.NewSecretFromHex(encoded)
		return secret, false, err
	}

	var secret interfaces.Secret
	if _, err := rand.Read(secret[:]); err != nil {
		return secret, false, err
	}
	return secret, true, nil
}

func restoreAction(cCtx *cli.Context) error {
	ctx := cCtx.Context
	s, err := newSession(cCtx)
	if err != nil {
		return err
	}

	shareSet, _, err := s.loadShareSet(ctx, cCtx)
	if err != nil {
		return err
	}

	client, err := s.client(ctx)
	if err != nil {
		return err
	}

	// Not retried: every attempt costs a try.
	result, err := client.Restore(ctx, cCtx.String("password"), shareSet, rand.Reader)
	if err != nil {
		if errors.Is(err, interfaces.ErrVerificationFailed) {
			s.log.Warn("Wrong password, one try was used")
		}
		return fmt.Errorf("restore failed: %w", err)
	}

	s.print("secret: %s", result.Value)
	s.print("tries-remaining: %d", result.TriesRemaining)
	return nil
}

func queryAction(cCtx *cli.Context) error {
	ctx := cCtx.Context
	s, err := newSession(cCtx)
	if err != nil {
		return err
	}

	client, err := s.client(ctx)
	if err != nil {
		return err
	}

	var tries uint32
	err = s.withRetry(ctx, "query", func(ctx context.Context) error {
		tries, err = client.Query(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	s.print("tries-remaining: %d", tries)
	return nil
}

func removeAction(cCtx *cli.Context) error {
	ctx := cCtx.Context
	s, err := newSession(cCtx)
	if err != nil {
		return err
	}

	client, err := s.client(ctx)
	if err != nil {
		return err
	}

	err = s.withRetry(ctx, "remove", func(ctx context.Context) error {
		return client.Remove(ctx)
	})
	if err != nil {
		return fmt.Errorf("remove failed: %w", err)
	}
	s.print("removed")

	if cCtx.String("shareset-id") == "" {
		return nil
	}
	if s.storage == nil {
		return errors.New("--shareset-id needs --storage")
	}
	id, err := interfaces.NewContentIDFromHex(cCtx.String("shareset-id"))
	if err != nil {
		return err
	}
	if err := s.storage.Delete(ctx, id, interfaces.ShareSetType); err != nil {
		return fmt.Errorf("could not delete share set %s: %w", id, err)
	}
	s.print("shareset-deleted: %s", id)
	return nil
}

// loadShareSet reads the share set given inline or by content id.
func (s *session) loadShareSet(ctx context.Context, cCtx *cli.Context) (interfaces.ShareSet, interfaces.ContentID, error) {
	if encoded := cCtx.String("shareset"); encoded != "" {
		shareSet, err := interfaces.NewShareSetFromString(encoded)
		if err != nil {
			return nil, interfaces.ContentID{}, err
		}
		return shareSet, shareSet.ContentID(), nil
	}

	rawID := cCtx.String("shareset-id")
	if rawID == "" {
		return nil, interfaces.ContentID{}, errors.New("one of --shareset or --shareset-id is required")
	}
	if s.storage == nil {
		return nil, interfaces.ContentID{}, errors.New("--shareset-id needs --storage")
	}

	id, err := interfaces.NewContentIDFromHex(rawID)
	if err != nil {
		return nil, id, err
	}
	data, err := s.storage.Fetch(ctx, id, interfaces.ShareSetType)
	if err != nil {
		return nil, id, fmt.Errorf("could not fetch share set %s: %w", id, err)
	}

	var shareSet interfaces.ShareSet
	if err := shareSet.UnmarshalBinary(data); err != nil {
		return nil, id, err
	}
	return shareSet, id, nil
}

func publishEnvAction(cCtx *cli.Context) error {
	s, err := newSession(cCtx)
	if err != nil {
		return err
	}
	if s.storage == nil {
		return errors.New("publish-env needs --storage")
	}

	raw, err := os.ReadFile(cCtx.String("file"))
	if err != nil {
		return err
	}
	env, err := enclave.ParseEnvironment(raw)
	if err != nil {
		return err
	}

	id, err := s.storage.Store(cCtx.Context, raw, interfaces.EnvironmentType)
	if err != nil {
		return fmt.Errorf("could not publish environment: %w", err)
	}
	s.log.Info("Published environment", slog.String("environment", env.Name), slog.String("env-id", id.String()))
	s.print("env-id: %s", id)
	return nil
}
