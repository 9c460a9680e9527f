package storage

import (
	"context"
	"fmt"

	"github.com/kestrelsearch/kestrel/pkg/config"
	kerrors "github.com/kestrelsearch/kestrel/pkg/errors"
	"github.com/kestrelsearch/kestrel/pkg/postgres"
	"github.com/kestrelsearch/kestrel/pkg/redis"
)

// FromConfig constructs the backend selected by cfg.Storage.Backend.
// An unknown backend name is a configuration error.
func FromConfig(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(cfg.File.DataDir, cfg.File.LockTimeout)
	case "postgres":
		client, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return NewPostgres(client)
	case "redis":
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedis(client), nil
	case "dynamo":
		return NewDynamo(ctx, cfg.Dynamo)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", kerrors.ErrConfiguration, cfg.Storage.Backend)
	}
}
