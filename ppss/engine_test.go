package ppss

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-secure-value-recovery/api/replicahandler"
	"github.com/ruteri/tee-secure-value-recovery/cryptoutils"
	"github.com/ruteri/tee-secure-value-recovery/enclave"
	"github.com/ruteri/tee-secure-value-recovery/interfaces"
	"github.com/ruteri/tee-secure-value-recovery/svr3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	testParams = cryptoutils.HardenParams{Time: 1, Memory: 1024, Threads: 1}
)

type quorum struct {
	env      enclave.Environment
	handlers map[string]http.Handler
	stores   map[string]*replicahandler.Store
}

func newQuorum(t *testing.T, n, threshold int) *quorum {
	t.Helper()
	q := &quorum{
		env:      enclave.Environment{Name: "test", Threshold: threshold, Attestation: "dummy"},
		handlers: make(map[string]http.Handler),
		stores:   make(map[string]*replicahandler.Store),
	}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("replica-%d", i)
		q.env.Replicas = append(q.env.Replicas, enclave.Replica{Name: name})
		q.stores[name] = replicahandler.NewStore()
		q.handlers[name] = replicaRouter(name, q.stores[name])
	}
	return q
}

func replicaRouter(name string, store *replicahandler.Store) http.Handler {
	mux := chi.NewRouter()
	replicahandler.NewHandler(name, cryptoutils.DummyAttestationProvider{}, store, nil, testLogger).RegisterRoutes(mux)
	return mux
}

type localClient = svr3.Client[enclave.Connections[*enclave.LocalStream]]

func (q *quorum) client(t *testing.T, user string) *localClient {
	t.Helper()
	provider, err := enclave.NewProvider(q.env, enclave.LocalDialer(q.handlers, enclave.Credentials{Username: user}), testLogger)
	require.NoError(t, err)
	return svr3.New[enclave.Connections[*enclave.LocalStream]](provider, NewEngine[*enclave.LocalStream](testParams, testLogger))
}

func TestEngine_BackupRestoreScenario(t *testing.T) {
	ctx := context.Background()
	client := newQuorum(t, 3, 2).client(t, "alice")

	shareSet, err := client.Backup(ctx, "correct horse", interfaces.Secret{}, 10, rand.Reader)
	require.NoError(t, err)
	require.NotEmpty(t, shareSet)

	tries, err := client.Query(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), tries)

	result, err := client.Restore(ctx, "correct horse", shareSet, rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, interfaces.Secret{}, result.Value)
	assert.Equal(t, uint32(9), result.TriesRemaining)

	tries, err = client.Query(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, tries, uint32(10))
	assert.Equal(t, uint32(9), tries, "every attempt consumes a try")
}

func TestEngine_RandomSecret(t *testing.T) {
	ctx := context.Background()
	client := newQuorum(t, 5, 3).client(t, "alice")

	var secret interfaces.Secret
	_, err := rand.Read(secret[:])
	require.NoError(t, err)

	shareSet, err := client.Backup(ctx, "pw", secret, 3, rand.Reader)
	require.NoError(t, err)

	result, err := client.Restore(ctx, "pw", shareSet, rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, secret, result.Value)
}

func TestEngine_WrongPassword(t *testing.T) {
	ctx := context.Background()
	client := newQuorum(t, 3, 2).client(t, "alice")
	secret := interfaces.Secret{1, 2, 3}

	shareSet, err := client.Backup(ctx, "correct horse", secret, 5, rand.Reader)
	require.NoError(t, err)

	previous := uint32(5)
	for i := 0; i < 3; i++ {
		result, err := client.Restore(ctx, "battery staple", shareSet, rand.Reader)
		require.Error(t, err)
		assert.NotEqual(t, secret, result.Value)
		assert.True(t, interfaces.IsProtocolError(err))
		assert.ErrorIs(t, err, interfaces.ErrVerificationFailed)

		tries, err := client.Query(ctx)
		require.NoError(t, err)
		assert.Less(t, tries, previous, "query must not increase across attempts")
		previous = tries
	}

	result, err := client.Restore(ctx, "correct horse", shareSet, rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, secret, result.Value)
	assert.Equal(t, uint32(1), result.TriesRemaining)
}

func TestEngine_TriesExhausted(t *testing.T) {
	ctx := context.Background()
	client := newQuorum(t, 3, 2).client(t, "alice")

	shareSet, err := client.Backup(ctx, "pw", interfaces.Secret{9}, 2, rand.Reader)
	require.NoError(t, err)

	_, err = client.Restore(ctx, "wrong", shareSet, rand.Reader)
	assert.ErrorIs(t, err, interfaces.ErrVerificationFailed)

	_, err = client.Restore(ctx, "wrong", shareSet, rand.Reader)
	assert.ErrorIs(t, err, interfaces.ErrTriesExhausted)

	_, err = client.Restore(ctx, "pw", shareSet, rand.Reader)
	assert.True(t, interfaces.IsProtocolError(err))
	assert.ErrorIs(t, err, interfaces.ErrBackupNotFound)
}

func TestEngine_RemoveThenFail(t *testing.T) {
	ctx := context.Background()
	client := newQuorum(t, 3, 2).client(t, "alice")

	shareSet, err := client.Backup(ctx, "pw", interfaces.Secret{}, 10, rand.Reader)
	require.NoError(t, err)

	require.NoError(t, client.Remove(ctx))
	require.NoError(t, client.Remove(ctx), "removing twice is not an error")

	_, err = client.Restore(ctx, "pw", shareSet, rand.Reader)
	assert.True(t, interfaces.IsProtocolError(err))
	assert.ErrorIs(t, err, interfaces.ErrBackupNotFound)

	_, err = client.Query(ctx)
	assert.True(t, interfaces.IsProtocolError(err))
	assert.ErrorIs(t, err, interfaces.ErrInsufficientQuorum)
}

func TestEngine_ThresholdTolerance(t *testing.T) {
	ctx := context.Background()
	q := newQuorum(t, 3, 2)
	client := q.client(t, "alice")
	secret := interfaces.Secret{0xaa}

	shareSet, err := client.Backup(ctx, "pw", secret, 4, rand.Reader)
	require.NoError(t, err)

	require.NoError(t, q.stores["replica-1"].Delete("alice"))

	result, err := client.Restore(ctx, "pw", shareSet, rand.Reader)
	require.NoError(t, err)
	assert.Equal(t, secret, result.Value)
	assert.Equal(t, uint32(3), result.TriesRemaining)

	tries, err := client.Query(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), tries)

	require.NoError(t, q.stores["replica-2"].Delete("alice"))
	_, err = client.Restore(ctx, "pw", shareSet, rand.Reader)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientQuorum)
}

func TestEngine_ShareSetChecks(t *testing.T) {
	ctx := context.Background()
	client := newQuorum(t, 3, 2).client(t, "alice")

	_, err := client.Restore(ctx, "pw", interfaces.ShareSet("not json"), rand.Reader)
	assert.True(t, interfaces.IsProtocolError(err))
	assert.ErrorIs(t, err, interfaces.ErrMalformedShareSet)

	other := newQuorum(t, 2, 2).client(t, "alice")
	foreign, err := other.Backup(ctx, "pw", interfaces.Secret{}, 3, rand.Reader)
	require.NoError(t, err)

	_, err = client.Restore(ctx, "pw", foreign, rand.Reader)
	assert.ErrorIs(t, err, interfaces.ErrBackupMismatch)
}

func TestEngine_RejectsCostlyShareSet(t *testing.T) {
	ctx := context.Background()
	q := newQuorum(t, 3, 2)
	client := q.client(t, "alice")

	shareSet, err := client.Backup(ctx, "pw", interfaces.Secret{}, 3, rand.Reader)
	require.NoError(t, err)

	envelope, err := DecodeShareSet(shareSet)
	require.NoError(t, err)
	envelope.Harden = cryptoutils.HardenParams{Time: 1 << 20, Memory: 8, Threads: 1}
	crafted, err := envelope.Encode()
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Restore(ctx, "pw", crafted, rand.Reader)
	assert.True(t, interfaces.IsProtocolError(err))
	assert.ErrorIs(t, err, interfaces.ErrMalformedShareSet)
	assert.Less(t, time.Since(start), 2*time.Second)

	for name, store := range q.stores {
		tries, err := store.Tries("alice")
		require.NoError(t, err)
		assert.Equal(t, uint32(3), tries, "%s lost a try", name)
	}
}

func TestEngine_RestoreHonorsCanceledContext(t *testing.T) {
	q := newQuorum(t, 3, 2)
	client := q.client(t, "alice")
	shareSet, err := client.Backup(context.Background(), "pw", interfaces.Secret{}, 3, rand.Reader)
	require.NoError(t, err)

	provider, err := enclave.NewProvider(q.env, enclave.LocalDialer(q.handlers, enclave.Credentials{Username: "alice"}), testLogger)
	require.NoError(t, err)
	conns, err := provider.Connect(context.Background())
	require.NoError(t, err)
	defer conns.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewEngine[*enclave.LocalStream](testParams, testLogger).Restore(ctx, conns, "pw", shareSet, rand.Reader)
	assert.ErrorIs(t, err, context.Canceled)

	for name, store := range q.stores {
		tries, err := store.Tries("alice")
		require.NoError(t, err)
		assert.Equal(t, uint32(3), tries, "%s lost a try", name)
	}
}

func TestEngine_NewBackupSupersedesOld(t *testing.T) {
	ctx := context.Background()
	client := newQuorum(t, 3, 2).client(t, "alice")

	first, err := client.Backup(ctx, "pw", interfaces.Secret{1}, 5, rand.Reader)
	require.NoError(t, err)
	_, err = client.Backup(ctx, "pw", interfaces.Secret{2}, 5, rand.Reader)
	require.NoError(t, err)

	_, err = client.Restore(ctx, "pw", first, rand.Reader)
	assert.ErrorIs(t, err, interfaces.ErrBackupMismatch)
}

func TestEngine_ConcurrentUsers(t *testing.T) {
	ctx := context.Background()
	q := newQuorum(t, 3, 2)

	const users = 8
	clients := make([]*localClient, users)
	for i := range clients {
		clients[i] = q.client(t, fmt.Sprintf("user-%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := clients[i]
			secret := interfaces.Secret{byte(i)}
			password := fmt.Sprintf("password-%d", i)

			shareSet, err := client.Backup(ctx, password, secret, 5, rand.Reader)
			if !assert.NoError(t, err) {
				return
			}
			result, err := client.Restore(ctx, password, shareSet, rand.Reader)
			if assert.NoError(t, err) {
				assert.Equal(t, secret, result.Value)
			}
		}(i)
	}
	wg.Wait()

	for _, store := range q.stores {
		assert.Equal(t, users, store.Len())
	}
}

func TestEngine_TransportDrop(t *testing.T) {
	ctx := context.Background()
	env := enclave.Environment{Name: "http", Threshold: 2, Attestation: "dummy"}

	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("replica-%d", i)
		router := replicaRouter(name, replicahandler.NewStore())
		if i == 1 {
			router = dropBackups(router)
		}
		server := httptest.NewServer(router)
		t.Cleanup(server.Close)
		env.Replicas = append(env.Replicas, enclave.Replica{Name: name, URL: server.URL})
	}

	provider, err := enclave.NewProvider(env, enclave.HTTPDialer(nil, 5*time.Second, enclave.Credentials{Username: "alice"}), testLogger)
	require.NoError(t, err)
	client := svr3.New[enclave.Connections[*enclave.HTTPStream]](provider, NewEngine[*enclave.HTTPStream](testParams, testLogger))

	shareSet, err := client.Backup(ctx, "pw", interfaces.Secret{}, 3, rand.Reader)
	assert.Nil(t, shareSet)

	var connErr *interfaces.ConnectionError
	require.ErrorAs(t, err, &connErr, "got %v", err)
	assert.Equal(t, "replica-1", connErr.Replica)
	assert.False(t, interfaces.IsProtocolError(err))
}

// dropBackups closes the connection on every backup upload.
func dropBackups(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			next.ServeHTTP(w, r)
			return
		}
		conn, _, err := http.NewResponseController(w).Hijack()
		if err == nil {
			conn.Close()
		}
	})
}

func TestEngine_RejectsBadBundle(t *testing.T) {
	engine := NewEngine[*enclave.LocalStream](testParams, testLogger)
	conns := enclave.NewConnections[*enclave.LocalStream](3, nil)

	_, err := engine.Backup(context.Background(), conns, "pw", interfaces.Secret{}, 3, rand.Reader)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientQuorum)

	_, err = engine.Backup(context.Background(), conns, "pw", interfaces.Secret{}, 0, rand.Reader)
	assert.ErrorIs(t, err, interfaces.ErrZeroMaxTries)
}
