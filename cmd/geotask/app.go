package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wilhg/geotask/pkg/catalog/sqlcatalog"
	"github.com/wilhg/geotask/pkg/config"
	"github.com/wilhg/geotask/pkg/executor"
	"github.com/wilhg/geotask/pkg/objectstore"
	"github.com/wilhg/geotask/pkg/objectstore/s3"
	"github.com/wilhg/geotask/pkg/sqldb"
	"github.com/wilhg/geotask/pkg/store/sqlstore"
	"github.com/wilhg/geotask/pkg/taskq"
	"github.com/wilhg/geotask/pkg/tasks"
	"github.com/wilhg/geotask/pkg/tiling"
	"github.com/wilhg/geotask/pkg/tiling/gdalcli"
)

// app is the wired process: one database for catalog and run store, one
// bucket, one task runtime.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *sqldb.DB
	catalog *sqlcatalog.Catalog
	runs    *sqlstore.Store
	exec    *executor.Executor
	runtime *taskq.Runtime
}

type engine interface {
	tiling.Inspector
	tiling.Engine
}

// openApp wires the production adapters: S3 via minio and GDAL binaries.
func openApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if !cfg.ObjectStoreConfigured() {
		return nil, errors.New("storage.endpoint and storage.bucket are required")
	}
	objects, err := s3.New(s3.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Region:    cfg.Storage.Region,
		Secure:    cfg.Storage.Secure,
	}, s3.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	gdal := gdalcli.New(gdalcli.Config{
		GDALInfo: cfg.GDAL.Info,
		GDALWarp: cfg.GDAL.Warp,
		GDAL:     cfg.GDAL.GDAL,
		GDALAddo: cfg.GDAL.Addo,
		TempDir:  cfg.GDAL.TempDir,
		Env: gdalcli.S3Env(cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey,
			cfg.Storage.Region, cfg.Storage.Secure),
	}, gdalcli.WithLogger(logger))
	return newApp(ctx, cfg, logger, objects, gdal)
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, objects objectstore.Store, eng engine) (*app, error) {
	db, err := sqldb.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		catalog: sqlcatalog.New(db, sqlcatalog.WithLogger(logger)),
		runs:    sqlstore.New(db),
	}
	a.exec = executor.New(a.catalog, objects,
		executor.WithLogger(logger),
		executor.WithJournal(taskq.NewJournal(a.runs)),
		executor.WithCompensationTimeout(cfg.Worker.CompensationTimeout),
		executor.WithAbandonGrace(cfg.Worker.AbandonGrace),
	)
	a.runtime = taskq.New(
		taskq.WithStore(a.runs),
		taskq.WithLogger(logger),
		taskq.WithWorkers(cfg.Worker.Concurrency),
		taskq.WithQueueSize(cfg.Worker.QueueSize),
	)
	overviews, _ := eng.(tiling.OverviewBuilder)
	err = tasks.Register(a.runtime, tasks.Deps{
		Executor:        a.exec,
		Inspector:       eng,
		Engine:          eng,
		Overviews:       overviews,
		Bucket:          cfg.Storage.Bucket,
		StorageRoot:     cfg.Storage.Root,
		COGFolder:       cfg.Storage.COGFolder,
		Logger:          logger,
		RasterTimeLimit: cfg.Worker.RasterTimeLimit,
		KMLTimeLimit:    cfg.Worker.KMLTimeLimit,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// migrate creates the run store tables and the local catalog subset.
func (a *app) migrate(ctx context.Context) error {
	if err := a.runs.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate run store: %w", err)
	}
	if err := a.catalog.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate catalog: %w", err)
	}
	return nil
}

// Close waits for abandoned steps to be undone, then closes the database.
func (a *app) Close() error {
	if a.exec != nil {
		a.exec.Wait()
	}
	return a.db.Close()
}
