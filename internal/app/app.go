// Package app assembles the processing stack from a configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/roach88/formcore/internal/attachments"
	"github.com/roach88/formcore/internal/caseapi"
	"github.com/roach88/formcore/internal/config"
	"github.com/roach88/formcore/internal/docstore"
	"github.com/roach88/formcore/internal/events"
	"github.com/roach88/formcore/internal/lock"
	"github.com/roach88/formcore/internal/logging"
	"github.com/roach88/formcore/internal/metrics"
	"github.com/roach88/formcore/internal/processor"
	"github.com/roach88/formcore/internal/repo"
	"github.com/roach88/formcore/internal/store"
)

// App is a wired processing stack.
type App struct {
	Config    *config.Config
	Processor *processor.Processor
	Cases     *caseapi.Service
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
	Events    events.Publisher
	Logger    *slog.Logger

	closers []func() error
}

// New opens every backend cfg selects. On error, whatever was opened is
// closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	logger = logging.OrDefault(logger)
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	backends, badgerDB, err := a.openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	router := repo.NewRouter(backends[cfg.Storage.Backend])
	for domain, name := range cfg.Storage.Domains {
		router.Route(domain, backends[name])
	}
	if badgerDB != nil {
		// Closed after the router and the stores that share it.
		a.closers = append(a.closers, badgerDB.Close)
	}
	a.closers = append(a.closers, router.Close)

	blobBackend, err := openBlobs(ctx, cfg.Attachments, badgerDB)
	if err != nil {
		return nil, err
	}
	blobs := attachments.New(blobBackend,
		attachments.WithMaxBytes(cfg.Server.MaxAttachmentBytes),
		attachments.WithParallelism(cfg.Attachments.Parallelism),
		attachments.WithLogger(logger),
	)

	locks, err := a.openLocks(cfg.Locks)
	if err != nil {
		return nil, err
	}

	if a.Events, err = openEvents(cfg.Events); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Events.Close)

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	a.Processor = processor.New(router, blobs, locks,
		processor.WithPublisher(a.Events),
		processor.WithMetrics(a.Metrics),
		processor.WithLogger(logger),
	)
	a.Cases = caseapi.NewService(a.Processor,
		caseapi.WithPolicies(cfg.Policy),
		caseapi.WithLogger(logger),
	)
	return a, nil
}

// openStores opens the backends some domain routes to. The badger database
// is returned when one was opened so attachments can share it.
func (a *App) openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[string]repo.Store, *badger.DB, error) {
	need := map[string]bool{cfg.Storage.Backend: true}
	for _, name := range cfg.Storage.Domains {
		need[name] = true
	}

	out := make(map[string]repo.Store, len(need))
	var db *badger.DB
	if need[config.BackendDoc] || cfg.Attachments.Backend == "badger" {
		dcfg := docstore.DefaultConfig(cfg.Storage.BadgerDir)
		if cfg.Storage.InMemory {
			dcfg = docstore.InMemoryConfig()
		}
		dcfg.Logger = logger
		var err error
		if db, err = docstore.OpenDB(dcfg); err != nil {
			return nil, nil, err
		}
		if need[config.BackendDoc] {
			out[config.BackendDoc] = docstore.New(db)
		}
	}

	if need[config.BackendSQL] {
		path := ":memory:"
		if !cfg.Storage.InMemory {
			path = filepath.Clean(cfg.Storage.SQLitePath)
		}
		s, err := store.Open(ctx, path)
		if err != nil {
			if db != nil {
				db.Close()
			}
			return nil, nil, err
		}
		out[config.BackendSQL] = s
	}
	logger.Info("storage opened", "default", cfg.Storage.Backend, "routed_domains", len(cfg.Storage.Domains))
	return out, db, nil
}

func openBlobs(ctx context.Context, cfg config.AttachmentsConfig, db *badger.DB) (attachments.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return attachments.NewMemoryBackend(), nil
	case "badger":
		if db == nil {
			return nil, errors.New("badger attachments need an open badger database")
		}
		return attachments.NewBadgerBackend(db), nil
	case "s3":
		return attachments.NewS3Backend(ctx, attachments.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
			Prefix:    cfg.S3.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown attachments backend %q", cfg.Backend)
	}
}

func (a *App) openLocks(cfg config.LocksConfig) (lock.Manager, error) {
	switch cfg.Backend {
	case "memory":
		return lock.NewMemoryManager(cfg.Timeout), nil
	case "redis":
		m, err := lock.NewRedisManager(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, lock.Options{
			TTL:           cfg.TTL,
			Timeout:       cfg.Timeout,
			RetryInterval: cfg.RetryInterval,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, m.Close)
		return m, nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

func openEvents(cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Backend {
	case "none":
		return events.Nop{}, nil
	case "memory":
		return events.NewRecorder(), nil
	case "kafka":
		return events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      cfg.Brokers,
			Topic:        cfg.Topic,
			BatchTimeout: cfg.BatchTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}

// Close releases every backend, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
