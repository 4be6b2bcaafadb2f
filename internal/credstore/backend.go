package credstore

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/backupdesk/backupdesk/internal/config"
)

// Open builds the persister selected by cfg.Backend. The closer releases
// backend connections and is never nil.
func Open(ctx context.Context, cfg config.CredentialsConfig) (Persister, io.Closer, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryPersister(), io.NopCloser(nil), nil
	case "redis":
		p, err := NewRedisPersister(ctx, RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Profile:  cfg.Redis.Profile,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, p, nil
	case "file", "":
		path := cfg.FilePath
		if path == "" {
			dir, err := config.Dir()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "session.cookie")
		}
		p, err := NewFilePersister(path)
		if err != nil {
			return nil, nil, err
		}
		return p, io.NopCloser(nil), nil
	default:
		return nil, nil, fmt.Errorf("unknown credentials backend %q", cfg.Backend)
	}
}
