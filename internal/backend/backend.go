package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"account-sync/internal/config"
	"account-sync/internal/repository"
	"account-sync/internal/repository/memory"
	"account-sync/internal/repository/redisstore"
	"account-sync/internal/repository/sqlite"
)

// NewOrigin returns a fresh instance id in the tab_<uuid> form.
func NewOrigin() string {
	return "tab_" + uuid.NewString()
}

// Store is an opened medium plus whatever must be released with it.
type Store struct {
	repository.KVStore
	release func() error
}

func (s *Store) Close() error {
	err := s.KVStore.Close()
	if s.release != nil {
		if rerr := s.release(); err == nil {
			err = rerr
		}
	}
	return err
}

// Open connects to the medium selected by cfg.Store.Backend and initialises it.
// An empty origin gets a generated one.
func Open(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*Store, error) {
	origin := strings.TrimSpace(cfg.Store.Origin)
	if origin == "" {
		origin = NewOrigin()
	}

	var store *Store
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		db, err := sqlite.Open(cfg.Store.SQLite.Path)
		if err != nil {
			return nil, err
		}
		store = &Store{
			KVStore: sqlite.NewKVStore(db, sqlite.KVOptions{
				Origin:       origin,
				PollInterval: cfg.Store.PollInterval,
				Logger:       logger,
			}),
			release: db.Close,
		}
		logger.Infof("using sqlite medium %s", cfg.Store.SQLite.Path)
	case config.BackendRedis:
		client := redisstore.NewClient(cfg.Store.Redis.Addrs, cfg.Store.Redis.Password, cfg.Store.Redis.DB)
		store = &Store{KVStore: redisstore.NewKVStore(client, redisstore.KVOptions{
			Origin:    origin,
			Namespace: cfg.Store.Redis.Namespace,
			Logger:    logger,
		})}
		logger.Infof("using redis medium %s (namespace %s)", strings.Join(cfg.Store.Redis.Addrs, ","), cfg.Store.Redis.Namespace)
	case config.BackendMemory:
		store = &Store{KVStore: memory.NewMedium().Open(origin)}
		logger.Warn("using in-memory medium; accounts are lost on exit")
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init %s medium: %w", cfg.Store.Backend, err)
	}
	return store, nil
}
