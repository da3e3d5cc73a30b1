package kafka

import (
	"context"
	"errors"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func TestPublishWritesKeyedJSON(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	pub := &Publisher{writer: w}

	key, err := pub.Publish(context.Background(), "alias-swaps", map[string]string{"alias": "oaa_data"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	require.Equal(t, "alias-swaps", w.msgs[0].Topic)
	require.Equal(t, key, string(w.msgs[0].Key))
	require.JSONEq(t, `{"alias":"oaa_data"}`, string(w.msgs[0].Value))

	require.NoError(t, pub.Close())
	require.True(t, w.closed)
}

func TestPublishWrapsWriterError(t *testing.T) {
	t.Parallel()

	pub := &Publisher{writer: &fakeWriter{err: errors.New("leader not available")}}
	_, err := pub.Publish(context.Background(), "alias-swaps", "x")
	require.ErrorContains(t, err, "leader not available")
	_, err = pub.Publish(context.Background(), "", "x")
	require.Error(t, err)
}

func TestNewRequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	pub, err := New(Config{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}
