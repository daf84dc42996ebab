package syncservice

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/crmsync_backend/attio"
	"github.com/mmdatafocus/crmsync_backend/config"
	"github.com/mmdatafocus/crmsync_backend/mapping"
	"github.com/mmdatafocus/crmsync_backend/models"
	"github.com/mmdatafocus/crmsync_backend/remote"
	"github.com/mmdatafocus/crmsync_backend/salesforce"
	"github.com/mmdatafocus/crmsync_backend/storage"
	"github.com/mmdatafocus/crmsync_backend/syncengine"
	"github.com/sirupsen/logrus"
)

const lockTTL = 2 * time.Minute

// Backends are the stores chosen by STORAGE_BACKEND.
type Backends struct {
	Storage storage.Storage
	Events  storage.EventLog
	Locker  syncengine.Locker
	closers []func()
}

func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// OpenBackends connects the configured storage. SQL backends migrate their tables unless
// SKIP_MIGRATIONS is set. Passes are serialized through Redis when REDIS_ADDRESS is set,
// through GET_LOCK on MySQL, and in process otherwise.
func OpenBackends(ctx context.Context, s *config.Settings, logger logrus.FieldLogger) (*Backends, error) {
	b := &Backends{}
	useRedis := s.StorageBackend == config.StorageRedis || config.EnvString("REDIS_ADDRESS", "") != ""
	if useRedis {
		rdb, rl := config.ConnectRedisWithRetry(ctx)
		if rdb == nil {
			return nil, errors.New("redis unavailable")
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.Locker = syncengine.NewRedisLocker(rl, lockTTL)
		if s.StorageBackend == config.StorageRedis {
			b.Storage = storage.NewRedisStore(rdb, s.RedisPrefix)
		}
	}

	switch s.StorageBackend {
	case config.StorageMySQL, config.StoragePostgres:
		db := config.ConnectDatabaseWithRetry(s.StorageBackend)
		sqlDB, err := db.DB()
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = sqlDB.Close() })
		if config.SkipMigrations() {
			logger.WithField("field", "migrations").Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		} else {
			models.MigrateTable(db, logger)
		}
		b.Storage = storage.NewGormStore(db)
		b.Events = storage.NewGormEventLog(db)
		if b.Locker == nil && s.StorageBackend == config.StorageMySQL {
			b.Locker = syncengine.NewMySQLLocker(sqlDB)
		}
	case config.StorageMemory:
		b.Storage = storage.NewMemoryStore()
	}
	if b.Storage == nil {
		b.Close()
		return nil, errors.New("no storage backend for " + s.StorageBackend)
	}
	if b.Events == nil {
		b.Events = storage.NewMemoryEventLog()
	}
	if b.Locker == nil {
		b.Locker = syncengine.NewLocalLocker()
	}
	logger.WithFields(logrus.Fields{"storage": s.StorageBackend, "redis": useRedis}).Info("backends ready")
	return b, nil
}

// NewClients registers an Attio adapter for every source object and a Salesforce adapter
// for every target object of set.
func NewClients(set *mapping.Set, a *attio.Client, sf *salesforce.Client) remote.Registry {
	registry := remote.Registry{}
	for _, m := range set.All() {
		if _, ok := registry[m.SourceObject]; !ok {
			registry[m.SourceObject] = a.Objects(m.SourceObject)
		}
		if _, ok := registry[m.TargetObject]; !ok {
			registry[m.TargetObject] = sf.Objects(m.TargetObject, salesforce.FieldsFor(m))
		}
	}
	return registry
}

// NewEngine builds the sync engine from settings around already opened clients and backends.
func NewEngine(s *config.Settings, set *mapping.Set, clients remote.Registry, b *Backends, logger logrus.FieldLogger) (*syncengine.Engine, error) {
	return syncengine.New(syncengine.Options{
		Mappings:         set,
		Clients:          clients,
		Storage:          b.Storage,
		Locker:           b.Locker,
		Strategy:         s.Strategy,
		Direction:        s.Direction,
		BatchSize:        s.BatchSize,
		MaxRetries:       s.MaxRetries,
		Lookback:         s.Lookback(),
		PropagateDeletes: s.PropagateDeletes,
		Logger:           logger,
	})
}
