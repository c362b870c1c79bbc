package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"timestack/internal/config"
	"timestack/internal/infra/persistence/badger"
	"timestack/internal/infra/persistence/memory"
	"timestack/internal/infra/persistence/postgres"
	"timestack/internal/infra/persistence/sqlite"
	"timestack/pkg/domain"
)

// OpenEngine selects a store engine from the storage configuration. Defaults
// to sqlite when the driver is unset.
func OpenEngine(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (domain.Engine, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = config.StorageSQLite
	}
	switch driver {
	case config.StorageMemory:
		return memory.NewEngine(), nil
	case config.StorageSQLite:
		return sqlite.NewEngine(), nil
	case config.StorageBadger:
		bcfg := badger.DefaultConfig()
		bcfg.InMemory = cfg.Badger.InMemory
		bcfg.SyncWrites = cfg.Badger.SyncWrites
		bcfg.GCInterval = cfg.Badger.GCInterval
		bcfg.Logger = logger
		return badger.NewEngine(bcfg), nil
	case config.StoragePostgres:
		eng, err := postgres.NewEngine(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return eng, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// NewMetricsRecorder builds the recorder named by cfg. reg is only used by
// the prometheus exporter; nil selects the default registerer.
func NewMetricsRecorder(cfg config.MetricsConfig, reg prometheus.Registerer) (MetricsRecorder, error) {
	switch cfg.Exporter {
	case "", config.MetricsNone:
		return noopMetrics{}, nil
	case config.MetricsExpvar:
		return NewExpvarMetricsRecorder(""), nil
	case config.MetricsPrometheus:
		return NewPrometheusMetricsRecorder(reg), nil
	default:
		return nil, fmt.Errorf("unknown metrics exporter %s", cfg.Exporter)
	}
}
