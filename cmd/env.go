package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/perfatlas/perfatlas/internal/db"
	"github.com/perfatlas/perfatlas/internal/locale"
	"github.com/perfatlas/perfatlas/internal/metrics"
	"github.com/perfatlas/perfatlas/internal/tasks"
	"github.com/perfatlas/perfatlas/internal/warehouse"
)

// env holds the wired application components shared by the subcommands.
type env struct {
	Pool       db.Pool
	Warehouse  *warehouse.Client
	Metrics    *metrics.Store
	Engine     *metrics.Engine
	Catalog    *locale.Catalog
	Index      *locale.Index
	Queue      *tasks.Queue
	Dispatcher *tasks.Dispatcher
}

// initEnv connects the store and builds every component from cfg.
func initEnv(ctx context.Context) (*env, error) {
	pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns, cfg.Store.MinConns)
	if err != nil {
		return nil, eris.Wrap(err, "connect store")
	}

	wh := warehouse.NewClient(warehouse.ClientOptions{
		BaseURL:        cfg.Warehouse.BaseURL,
		RequestsPerSec: cfg.Warehouse.RequestsPerSec,
	})

	store := metrics.NewStore(pool)
	engine := metrics.NewEngine(store, wh, metrics.EngineConfig{
		TablePrefix:   cfg.Warehouse.TablePrefix,
		MinSamples:    cfg.Aggregate.MinSamples,
		Splits:        cfg.Aggregate.Splits,
		PageSize:      cfg.Warehouse.MaxRowsPerPage,
		CursorTimeout: cfg.Warehouse.CursorTimeout(),
		CursorRetries: cfg.Warehouse.FetchRetries,
	})

	catalog := locale.NewCatalog(locale.NewPostgresSource(pool), cfg.Locales.RefreshInterval())
	index := locale.NewIndex(catalog, cfg.Locales.RefreshInterval())

	queue := tasks.NewQueue(pool)
	dispatcher := tasks.NewDispatcher(store, wh, engine, queue, catalog, index, cfg.Warehouse.TablePrefix)

	return &env{
		Pool:       pool,
		Warehouse:  wh,
		Metrics:    store,
		Engine:     engine,
		Catalog:    catalog,
		Index:      index,
		Queue:      queue,
		Dispatcher: dispatcher,
	}, nil
}

// Close releases the store connection pool.
func (e *env) Close() {
	e.Pool.Close()
}
