package storage

import (
	"crypto/tls"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ruteri/tee-secure-value-recovery/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageBackendFor(t *testing.T) {
	dir := t.TempDir()
	factory := NewStorageBackendFactory(discardLogger())

	tests := []struct {
		name    string
		uri     string
		check   func(t *testing.T, b interfaces.StorageBackend)
		wantErr bool
	}{
		{
			name: "file",
			uri:  "file://" + dir,
			check: func(t *testing.T, b interfaces.StorageBackend) {
				fb, ok := b.(*FileBackend)
				require.True(t, ok)
				assert.Equal(t, dir, fb.baseDir)
			},
		},
		{
			name: "s3 with credentials",
			uri:  "s3://AKID:SECRET@backups/svr/prod?region=eu-central-1&endpoint=http://minio:9000",
			check: func(t *testing.T, b interfaces.StorageBackend) {
				sb, ok := b.(*S3Backend)
				require.True(t, ok)
				assert.Equal(t, "backups", sb.bucketName)
				assert.Equal(t, "svr/prod", sb.prefix)
				assert.Equal(t, "s3://backups/svr/prod?region=eu-central-1&endpoint=http://minio:9000", sb.LocationURI())
			},
		},
		{
			name: "ipfs",
			uri:  "ipfs://localhost:5001/backups?timeout=5s",
			check: func(t *testing.T, b interfaces.StorageBackend) {
				ib, ok := b.(*IPFSBackend)
				require.True(t, ok)
				assert.Equal(t, "/backups", ib.root)
				assert.Equal(t, "ipfs://localhost:5001/backups?timeout="+(5*time.Second).String(), ib.LocationURI())
			},
		},
		{
			name: "vault",
			uri:  "vault://vault.internal:8200/secret/svr?tls=false",
			check: func(t *testing.T, b interfaces.StorageBackend) {
				vb, ok := b.(*VaultBackend)
				require.True(t, ok)
				assert.Equal(t, "secret", vb.mountPath)
				assert.Equal(t, "svr", vb.dataPath)
			},
		},
		{name: "unknown scheme", uri: "ftp://example.com/x", wantErr: true},
		{name: "s3 without bucket", uri: "s3:///prefix", wantErr: true},
		{name: "vault without mount", uri: "vault://vault.internal:8200", wantErr: true},
		{name: "bad ipfs timeout", uri: "ipfs://localhost:5001?timeout=soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, err := factory.StorageBackendFor(interfaces.StorageBackendLocation(tt.uri))
			if tt.wantErr {
				assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
				return
			}
			require.NoError(t, err)
			tt.check(t, backend)
		})
	}
}

func TestCreateMultiBackend(t *testing.T) {
	factory := NewStorageBackendFactory(discardLogger())
	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")

	backend, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{
		interfaces.StorageBackendLocation("file://" + dirA),
		"ftp://ignored",
		interfaces.StorageBackendLocation("file://" + dirB),
	})
	require.NoError(t, err)
	assert.Equal(t, "multi:[file://"+dirA+",file://"+dirB+"]", backend.LocationURI())

	_, err = factory.CreateMultiBackend([]interfaces.StorageBackendLocation{"ftp://ignored"})
	assert.Error(t, err)
}

func TestWithTLSAuth(t *testing.T) {
	certErr := errors.New("no certificate")
	factory := NewStorageBackendFactory(discardLogger()).WithTLSAuth(func() (tls.Certificate, error) {
		return tls.Certificate{}, certErr
	})

	_, err := factory.StorageBackendFor("vault://vault.internal:8200/secret")
	assert.ErrorIs(t, err, certErr)

	// Other schemes do not need the certificate.
	_, err = factory.StorageBackendFor(interfaces.StorageBackendLocation("file://" + t.TempDir()))
	assert.NoError(t, err)
}
