package app

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Talos/pkg/activity"
	"github.com/wehubfusion/Talos/pkg/cache"
	"github.com/wehubfusion/Talos/pkg/config"
	"github.com/wehubfusion/Talos/pkg/executor"
	"github.com/wehubfusion/Talos/pkg/storage"
	"go.uber.org/zap"
)

// storeOpener picks the cache backend. kv may be nil unless the backend is kv.
func storeOpener(cfg config.CacheConfig, kv cache.KeyValueManager, logger *zap.Logger) (cache.Opener, error) {
	switch cfg.Backend {
	case "kv":
		if kv == nil {
			return nil, fmt.Errorf("kv cache backend needs a JetStream connection")
		}
		return func(ctx context.Context) (cache.Store, error) {
			return cache.NewKVStore(kv, cfg.BucketPrefix, logger)
		}, nil
	case "blob":
		return func(ctx context.Context) (cache.Store, error) {
			return storage.NewBlobStore(cfg.BlobConnection, cfg.BlobContainer, logger)
		}, nil
	case "memory":
		store := cache.NewMemoryStore()
		return func(ctx context.Context) (cache.Store, error) {
			return store, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
}

func buildExecutor(cfg config.ExecutorConfig, logger *zap.Logger) (activity.Executor, error) {
	switch cfg.Kind {
	case "echo":
		return executor.Echo{}, nil
	case "script":
		return executor.LoadScript(cfg.ScriptPath, executor.DefaultScriptOptions(), logger.Named("script"))
	}
	return nil, fmt.Errorf("unknown executor %q", cfg.Kind)
}
