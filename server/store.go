package server

import (
	"context"
	"fmt"

	"idserver/storage"
)

// OpenStore builds the backend selected by storage.driver. Clients, scopes
// and local accounts always come from the configuration catalog. The returned
// function releases the backend.
func OpenStore(ctx context.Context, cfg Config) (Store, func() error, error) {
	cat, err := BuildCatalog(cfg)
	if err != nil {
		return nil, nil, err
	}
	static, err := storage.NewMemory(cat)
	if err != nil {
		return nil, nil, fmt.Errorf("build catalog: %w", err)
	}

	switch cfg.Storage.Driver {
	case "", StorageDriverMemory:
		return static, func() error { return nil }, nil
	case StorageDriverRedis:
		retention := max(cfg.Tokens.RefreshTTL, cfg.Tokens.AccessTTL)
		store, err := storage.NewRedis(ctx, storage.RedisConfig{
			Addr:           cfg.Storage.Redis.Addr,
			Username:       cfg.Storage.Redis.Username,
			Password:       cfg.Storage.Redis.Password,
			DB:             cfg.Storage.Redis.DB,
			KeyPrefix:      cfg.Storage.Redis.KeyPrefix,
			TokenRetention: retention,
			CodeTTL:        cfg.Tokens.CodeTTL,
		}, static)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
