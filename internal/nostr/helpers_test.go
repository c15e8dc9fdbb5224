package nostr

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/allgram/clubfeed/internal/config"
	"github.com/allgram/clubfeed/internal/storage"
)

const testChannel = "c0ffee00c0ffee00c0ffee00c0ffee00c0ffee00c0ffee00c0ffee00c0ffee00"

var (
	aliceKey = nostr.GeneratePrivateKey()
	bobKey   = nostr.GeneratePrivateKey()
)

func channelFilterForTest() nostr.Filter {
	return storage.ChannelFilter(testChannel, 0, 10)
}

func mustSign(t *testing.T, kind int, createdAt int64, tags nostr.Tags, content string) *nostr.Event {
	t.Helper()
	return mustSignAs(t, aliceKey, kind, createdAt, tags, content)
}

func mustSignAs(t *testing.T, sk string, kind int, createdAt int64, tags nostr.Tags, content string) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt),
		Tags:      tags,
		Content:   content,
	}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func channelMessage(t *testing.T, createdAt int64, content string, extra ...nostr.Tag) *nostr.Event {
	t.Helper()
	tags := append(nostr.Tags{{"e", testChannel, "", "root"}}, extra...)
	return mustSign(t, storage.KindChannelMessage, createdAt, tags, content)
}

func offlineBackend(t *testing.T, secret string) (*Backend, *storage.Storage) {
	t.Helper()
	ctx := context.Background()

	store, err := storage.New(ctx, &config.Storage{Driver: "memory"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := New(ctx, &config.Nostr{}, nil)
	t.Cleanup(client.Close)

	b, err := NewBackend(Options{Client: client, Storage: store, SecretKey: secret})
	require.NoError(t, err)
	return b, store
}
