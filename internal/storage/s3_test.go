package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/lgulliver/waypoint/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 keeps objects in memory. Multipart calls are unsupported; test
// bodies stay below the uploader part size.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported by fake")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var contents []s3types.Object
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			contents = append(contents, s3types.Object{Key: aws.String(key)})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents, IsTruncated: aws.Bool(false)}, nil
}

func TestS3Storage_RoundTrip(t *testing.T) {
	fake := newFakeS3()
	storage := NewS3StorageWithClient(fake, "bucket")
	ctx := context.Background()

	require.NoError(t, storage.Store(ctx, "guides/g/attachments/1/a", strings.NewReader("pdf bytes"), "application/pdf"))

	reader, err := storage.Retrieve(ctx, "guides/g/attachments/1/a")
	require.NoError(t, err)
	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	reader.Close()
	assert.Equal(t, "pdf bytes", string(content))

	size, err := storage.GetSize(ctx, "guides/g/attachments/1/a")
	require.NoError(t, err)
	assert.Equal(t, int64(9), size)

	exists, err := storage.Exists(ctx, "guides/g/attachments/1/a")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestS3Storage_NotFound(t *testing.T) {
	storage := NewS3StorageWithClient(newFakeS3(), "bucket")
	ctx := context.Background()

	_, err := storage.Retrieve(ctx, "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	_, err = storage.GetSize(ctx, "missing")
	assert.True(t, errors.Is(err, types.ErrNotFound))

	exists, err := storage.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestS3Storage_ListAndDeletePrefix(t *testing.T) {
	fake := newFakeS3()
	storage := NewS3StorageWithClient(fake, "bucket")
	ctx := context.Background()

	for _, key := range []string{"temp/uploads/t1/0", "temp/uploads/t1/1", "temp/uploads/t2/0"} {
		require.NoError(t, storage.Store(ctx, key, strings.NewReader("x"), "application/octet-stream"))
	}

	keys, err := storage.List(ctx, "temp/uploads/")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"temp/uploads/t1/0", "temp/uploads/t1/1", "temp/uploads/t2/0"}, keys)

	require.NoError(t, storage.DeletePrefix(ctx, "temp/uploads/t1/"))

	keys, err = storage.List(ctx, "temp/uploads/")
	require.NoError(t, err)
	assert.Equal(t, []string{"temp/uploads/t2/0"}, keys)

	require.NoError(t, storage.Delete(ctx, "temp/uploads/t2/0"))
	assert.Empty(t, fake.objects)
}
