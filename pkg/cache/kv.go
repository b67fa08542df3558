package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// KeyValueManager is the slice of jetstream.JetStream the KV store needs
type KeyValueManager interface {
	CreateOrUpdateKeyValue(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error)
	AccountInfo(ctx context.Context) (*jetstream.AccountInfo, error)
}

// KVStore keeps each namespace in its own JetStream KeyValue bucket named
// <prefix>_<namespace>.
type KVStore struct {
	js      KeyValueManager
	prefix  string
	history uint8
	logger  *zap.Logger

	mu      sync.Mutex
	buckets map[string]jetstream.KeyValue
}

// NewKVStore creates a KV backed store
func NewKVStore(js KeyValueManager, prefix string, logger *zap.Logger) (*KVStore, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVStore{
		js:      js,
		prefix:  prefix,
		history: 1,
		logger:  logger,
		buckets: make(map[string]jetstream.KeyValue),
	}, nil
}

// BucketName returns the bucket backing namespace. Characters outside
// [A-Za-z0-9_-] are replaced with underscores.
func BucketName(prefix, namespace string) string {
	name := namespace
	if prefix != "" {
		name = prefix + "_" + namespace
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
}

// EncodeKey maps a composite cache key onto the KV key alphabet, which has no colon
func EncodeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func (s *KVStore) bucket(ctx context.Context, namespace string) (jetstream.KeyValue, error) {
	name := BucketName(s.prefix, namespace)

	s.mu.Lock()
	defer s.mu.Unlock()
	if kv, ok := s.buckets[name]; ok {
		return kv, nil
	}

	kv, err := s.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "activity payloads for " + namespace,
		History:     s.history,
	})
	if err != nil {
		s.logger.Error("Failed to get KV bucket", zap.String("bucket", name), zap.Error(err))
		return nil, fmt.Errorf("KV bucket %s unavailable: %w", name, err)
	}
	s.logger.Debug("KV bucket ready", zap.String("bucket", name))
	s.buckets[name] = kv
	return kv, nil
}

func (s *KVStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	kv, err := s.bucket(ctx, namespace)
	if err != nil {
		return "", false, err
	}
	entry, err := kv.Get(ctx, EncodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(entry.Value()), true, nil
}

func (s *KVStore) Put(ctx context.Context, namespace, key, value string) error {
	kv, err := s.bucket(ctx, namespace)
	if err != nil {
		return err
	}
	_, err = kv.Put(ctx, EncodeKey(key), []byte(value))
	return err
}

func (s *KVStore) Delete(ctx context.Context, namespace, key string) error {
	kv, err := s.bucket(ctx, namespace)
	if err != nil {
		return err
	}
	err = kv.Delete(ctx, EncodeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}

func (s *KVStore) Exists(ctx context.Context, namespace, key string) (bool, error) {
	_, ok, err := s.Get(ctx, namespace, key)
	return ok, err
}

// Ping checks JetStream is reachable on the account
func (s *KVStore) Ping(ctx context.Context) error {
	if _, err := s.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("jetstream account info: %w", err)
	}
	return nil
}
