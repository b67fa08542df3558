package cache

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeKV implements the parts of jetstream.KeyValue the store touches
type fakeKV struct {
	jetstream.KeyValue
	mu   sync.Mutex
	data map[string][]byte
}

type fakeEntry struct {
	jetstream.KeyValueEntry
	value []byte
}

func (e fakeEntry) Value() []byte { return e.value }

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{value: v}, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return uint64(len(f.data)), nil
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

type fakeJS struct {
	mu        sync.Mutex
	buckets   map[string]*fakeKV
	creates   int
	createErr error
	infoErr   error
}

func newFakeJS() *fakeJS {
	return &fakeJS{buckets: make(map[string]*fakeKV)}
}

func (f *fakeJS) CreateOrUpdateKeyValue(_ context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return nil, f.createErr
	}
	kv, ok := f.buckets[cfg.Bucket]
	if !ok {
		kv = &fakeKV{data: make(map[string][]byte)}
		f.buckets[cfg.Bucket] = kv
	}
	return kv, nil
}

func (f *fakeJS) AccountInfo(context.Context) (*jetstream.AccountInfo, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return &jetstream.AccountInfo{}, nil
}

func TestBucketName(t *testing.T) {
	assert.Equal(t, "activity_3f2504e0-4f89-41d3-9a0c-0305e82c3301",
		BucketName("activity", "3f2504e0-4f89-41d3-9a0c-0305e82c3301"))
	assert.Equal(t, "activity_health", BucketName("activity", "health"))
	assert.Equal(t, "a_b_c", BucketName("", "a.b:c"))
}

func TestEncodeKey(t *testing.T) {
	assert.Equal(t, "f.s.e", EncodeKey("f:s:e"))
}

func TestKVStoreRoundTrip(t *testing.T) {
	js := newFakeJS()
	store, err := NewKVStore(js, "activity", zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "proc", "f:s:e", `{"a":1}`))
	got, ok, err := store.Get(ctx, "proc", "f:s:e")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"a":1}`, got)

	raw := js.buckets["activity_proc"].data["f.s.e"]
	assert.Equal(t, `{"a":1}`, string(raw))

	exists, err := store.Exists(ctx, "proc", "f:s:e")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "proc", "f:s:e"))
	_, ok, err = store.Get(ctx, "proc", "f:s:e")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVStoreMemoisesBuckets(t *testing.T) {
	js := newFakeJS()
	store, err := NewKVStore(js, "activity", zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := store.Get(ctx, "proc", "k")
		require.NoError(t, err)
	}
	require.NoError(t, store.Put(ctx, "other", "k", "v"))
	assert.Equal(t, 2, js.creates)
}

func TestKVStoreBucketFailure(t *testing.T) {
	js := newFakeJS()
	js.createErr = errors.New("jetstream not enabled")
	store, err := NewKVStore(js, "activity", zap.NewNop())
	require.NoError(t, err)

	_, _, err = store.Get(context.Background(), "proc", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "activity_proc")

	js.createErr = nil
	_, ok, err := store.Get(context.Background(), "proc", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKVStorePing(t *testing.T) {
	js := newFakeJS()
	store, err := NewKVStore(js, "activity", zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, store.Ping(context.Background()))

	js.infoErr = errors.New("no responders")
	assert.Error(t, store.Ping(context.Background()))
}

func TestNewKVStoreRequiresJetStream(t *testing.T) {
	_, err := NewKVStore(nil, "activity", nil)
	assert.Error(t, err)
}

func TestClientOverKVStore(t *testing.T) {
	store, err := NewKVStore(newFakeJS(), "activity", zap.NewNop())
	require.NoError(t, err)
	c := NewClientWithStore(store, "health", zap.NewNop())

	assert.True(t, c.IsHealthy(context.Background()))
	require.NoError(t, c.Set(context.Background(), "proc", "f:s:e", "payload"))
	got, ok, err := c.Get(context.Background(), "proc", "f:s:e")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "payload", got)
}
