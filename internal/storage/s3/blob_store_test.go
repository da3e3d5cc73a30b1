package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"
)

func TestPutObjectUsesPrefixAndContentType(t *testing.T) {
	t.Parallel()

	fake := &fakePutter{}
	store := newWithClient(fake, Config{Bucket: "agenda", Prefix: "/raw/"})

	uri, err := store.PutObject(context.Background(), "utrecht/20240101000000/abc", "application/pdf", bytes.NewReader([]byte("%PDF")))
	require.NoError(t, err)
	require.Equal(t, "s3://agenda/raw/utrecht/20240101000000/abc", uri)
	require.Equal(t, "agenda", fake.bucket)
	require.Equal(t, "raw/utrecht/20240101000000/abc", fake.key)
	require.Equal(t, "application/pdf", fake.contentType)
	require.Equal(t, "%PDF", string(fake.body))
}

func TestPutObjectWrapsErrors(t *testing.T) {
	t.Parallel()

	store := newWithClient(&fakePutter{err: errors.New("access denied")}, Config{Bucket: "agenda"})
	_, err := store.PutObject(context.Background(), "a", "", bytes.NewReader(nil))
	require.ErrorContains(t, err, "put object a: access denied")

	_, err = store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestNewRequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{Endpoint: "localhost:9000"})
	require.Error(t, err)
}

type fakePutter struct {
	bucket      string
	key         string
	contentType string
	body        []byte
	err         error
}

func (f *fakePutter) PutObject(
	_ context.Context,
	bucket, object string,
	r io.Reader,
	_ int64,
	opts minio.PutObjectOptions,
) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.bucket, f.key, f.contentType, f.body = bucket, object, opts.ContentType, body
	return minio.UploadInfo{Bucket: bucket, Key: object}, nil
}
