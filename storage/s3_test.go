package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/ruteri/tee-secure-value-recovery/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryS3 keeps objects in a map. Calls it does not implement panic through
// the embedded nil interface.
type memoryS3 struct {
	s3iface.S3API

	mu      sync.Mutex
	objects map[string][]byte
	down    bool
}

func newMemoryS3() *memoryS3 {
	return &memoryS3{objects: make(map[string][]byte)}
}

func (m *memoryS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memoryS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memoryS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memoryS3) HeadBucketWithContext(_ aws.Context, _ *s3.HeadBucketInput, _ ...request.Option) (*s3.HeadBucketOutput, error) {
	if m.down {
		return nil, awserr.New("RequestError", "send request failed", errors.New("connection refused"))
	}
	return &s3.HeadBucketOutput{}, nil
}

func TestS3Backend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newMemoryS3()
	backend := newS3Backend(client, S3Config{Bucket: "backups", Prefix: "/svr/", Region: "eu-west-1"}, discardLogger())

	assert.Equal(t, "s3-backups", backend.Name())
	assert.True(t, backend.Available(ctx))

	data := []byte(`{"version":1}`)
	id, err := backend.Store(ctx, data, interfaces.ShareSetType)
	require.NoError(t, err)

	_, stored := client.objects["backups/svr/sharesets/"+id.String()]
	assert.True(t, stored, "object key layout")

	fetched, err := backend.Fetch(ctx, id, interfaces.ShareSetType)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)

	require.NoError(t, backend.Delete(ctx, id, interfaces.ShareSetType))
	_, err = backend.Fetch(ctx, id, interfaces.ShareSetType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	client.down = true
	assert.False(t, backend.Available(ctx))
}

func TestS3Backend_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	client := newMemoryS3()
	backend := newS3Backend(client, S3Config{Bucket: "backups", Region: "us-east-1"}, discardLogger())

	id, err := backend.Store(ctx, []byte("original"), interfaces.ShareSetType)
	require.NoError(t, err)
	client.objects["backups/sharesets/"+id.String()] = []byte("replaced")

	_, err = backend.Fetch(ctx, id, interfaces.ShareSetType)
	require.Error(t, err)
	assert.NotErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestS3Backend_LocationURI(t *testing.T) {
	backend := newS3Backend(newMemoryS3(), S3Config{
		Bucket:   "backups",
		Prefix:   "svr",
		Region:   "us-east-1",
		Endpoint: "http://localhost:9000",
	}, discardLogger())
	assert.Equal(t, "s3://backups/svr?region=us-east-1&endpoint=http://localhost:9000", backend.LocationURI())
}
