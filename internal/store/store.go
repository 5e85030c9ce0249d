// Package store opens the persistence backend selected by configuration.
// Every backend provides both the message store and the user directory.
package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/christopherjohns/dmrelay/internal/config"
	"github.com/christopherjohns/dmrelay/internal/message"
	"github.com/christopherjohns/dmrelay/internal/user"
)

// Backend bundles the message store and user directory of one driver.
type Backend struct {
	Driver   string
	Messages message.Store
	Users    user.Directory

	close func() error
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open creates a Backend for the configured storage driver.
func Open(ctx context.Context, cfg config.StoreConfig) (*Backend, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return &Backend{
			Driver:   config.DriverMemory,
			Messages: message.NewMemoryStore(),
			Users:    user.NewMemoryDirectory(),
		}, nil
	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return &Backend{
			Driver:   cfg.Driver,
			Messages: message.NewRedisStore(rdb),
			Users:    user.NewRedisDirectory(rdb),
			close:    rdb.Close,
		}, nil
	case config.DriverSQLite:
		s, err := NewSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return sqlBackend(cfg.Driver, s), nil
	case config.DriverPostgres:
		s, err := NewPostgres(cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return sqlBackend(cfg.Driver, s), nil
	case config.DriverMongo:
		s, err := NewMongo(ctx, cfg.DSN, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return &Backend{Driver: cfg.Driver, Messages: s, Users: s, close: s.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

func sqlBackend(driver string, s *SQLStore) *Backend {
	return &Backend{Driver: driver, Messages: s, Users: s, close: s.Close}
}
