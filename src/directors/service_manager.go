package directors

import (
	"context"
	"fmt"
	"sync"

	"contentdb/src/buffermgr"
	"contentdb/src/engine"
	"contentdb/src/metrics"
	"contentdb/src/settings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

type ServiceManager struct {
	Stack    *engine.Stack
	Store    *engine.FileStore
	Pool     *buffermgr.BufferPool
	Registry *buffermgr.FileRegistry
	Metrics  *metrics.Metrics
	changes  chan struct{}
	logger   *zap.SugaredLogger
}

// Private instance and mutex for thread safety
var (
	instance *ServiceManager
	mu       sync.RWMutex
)

// GetServiceManager returns the singleton instance of ServiceManager, nil before
// InitServiceManager succeeded
func GetServiceManager() *ServiceManager {
	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// InitServiceManager builds the query stack over the OS filesystem from args and
// stores it as the singleton. reg may be nil. With args.Watch the base directory is
// watched until ctx is cancelled or Close is called.
func InitServiceManager(ctx context.Context, args *settings.Arguments, reg prometheus.Registerer, logger *zap.SugaredLogger) (*ServiceManager, error) {
	mu.Lock()
	defer mu.Unlock()

	if instance != nil {
		return instance, nil
	}

	sm, err := NewServiceManager(ctx, afero.NewOsFs(), args, reg, logger)
	if err != nil {
		return nil, err
	}
	instance = sm
	return sm, nil
}

// NewServiceManager wires the pool, the store, the metrics and the stack over fsys
func NewServiceManager(ctx context.Context, fsys afero.Fs, args *settings.Arguments, reg prometheus.Registerer, logger *zap.SugaredLogger) (*ServiceManager, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}

	pool := buffermgr.NewBufferPool(args.CacheSize, logger)
	m := metrics.New(reg)
	if reg != nil {
		metrics.RegisterBufferPool(reg, pool)
	}

	store := engine.NewFileStore(fsys, args.BaseDir, args.MmapThreshold, pool, logger)

	sm := &ServiceManager{
		Stack:   engine.NewStack(args, store, m, logger),
		Store:   store,
		Pool:    pool,
		Metrics: m,
		logger:  logger,
	}

	if args.Watch {
		if _, ok := fsys.(*afero.OsFs); !ok {
			return nil, fmt.Errorf("watching %s needs the OS filesystem", args.BaseDir)
		}
		registry, err := buffermgr.NewFileRegistry(args.BaseDir, pool, logger)
		if err != nil {
			return nil, err
		}
		sm.changes = make(chan struct{}, 1)
		registry.OnChange(func(string) {
			select {
			case sm.changes <- struct{}{}:
			default:
			}
		})
		if err := registry.Start(ctx); err != nil {
			registry.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", args.BaseDir, err)
		}
		sm.Registry = registry
	}

	logger.Infow("ServiceManager initialized", "baseDir", args.BaseDir, "masterLocale", args.MasterLocale, "watch", args.Watch)
	return sm, nil
}

// SnapshotChanges receives a value after files below the base directory changed.
// Pending changes coalesce into one value. Without watching it never receives.
func (sm *ServiceManager) SnapshotChanges() <-chan struct{} {
	return sm.changes
}

// Close stops the file registry when one is running
func (sm *ServiceManager) Close() error {
	if sm.Registry == nil {
		return nil
	}
	return sm.Registry.Close()
}

// ResetServiceManager is useful for testing - it resets the singleton
func ResetServiceManager() {
	mu.Lock()
	defer mu.Unlock()
	if instance != nil {
		instance.Close()
	}
	instance = nil
}
