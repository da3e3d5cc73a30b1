package gcs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "client")
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	s := &BlobStore{bucket: "agenda", prefix: "raw"}
	require.Equal(t, "raw/utrecht/1/abc", s.objectName("/utrecht/1/abc"))

	s.prefix = ""
	require.Equal(t, "utrecht/1/abc", s.objectName("utrecht/1/abc"))
}
