// Package server assembles the configured storage backends and runs the
// HTTP API until the process is signalled to stop.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/syncstore/internal/logging"
	"github.com/dmitrijs2005/syncstore/internal/server/config"
	"github.com/dmitrijs2005/syncstore/internal/server/endpoints"
	"github.com/dmitrijs2005/syncstore/internal/server/httpapi"
	"github.com/dmitrijs2005/syncstore/internal/server/kvstore"
	"github.com/dmitrijs2005/syncstore/internal/server/lease"
	"github.com/dmitrijs2005/syncstore/internal/server/migrations"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore/dynsync"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore/kvsync"
	"github.com/dmitrijs2005/syncstore/internal/server/syncstore/sqlsync"
	"go.uber.org/multierr"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Seams for tests: opening the database and migrating it both need a live
// PostgreSQL.
var (
	openDB = func(dsn string) (*sql.DB, error) {
		return sql.Open("pgx", dsn)
	}
	migrate = migrations.Run
)

type App struct {
	config      *config.Config
	logger      logging.Logger
	store       syncstore.Store
	endpoints   *endpoints.Registry
	broadcaster *syncstore.Broadcaster
	db          *sql.DB
}

// NewApp builds the backends selected by c. Nothing listens until Run.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	app := &App{
		config:      c,
		logger:      logging.New(os.Stdout, c.LogLevel),
		broadcaster: syncstore.NewBroadcaster(),
	}
	if err := app.init(ctx); err != nil {
		return nil, multierr.Append(err, app.Close())
	}
	return app, nil
}

func (app *App) init(ctx context.Context) error {
	c := app.config

	if c.NeedsPostgres() {
		db, err := openDB(c.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("db open: %w", err)
		}
		app.db = db
		if err := migrate(ctx, db); err != nil {
			return fmt.Errorf("db migrate: %w", err)
		}
	}

	var awsCfg aws.Config
	if c.KVBackend == config.KVS3 || c.SyncBackend == config.SyncDynamoDB {
		var err error
		if awsCfg, err = loadAWSConfig(ctx, c); err != nil {
			return fmt.Errorf("aws config: %w", err)
		}
	}

	kv, err := app.newKV(awsCfg)
	if err != nil {
		return err
	}
	app.endpoints = endpoints.NewRegistry(kv, endpoints.WithAttempts(c.RetryAttempts))

	store, err := app.newStore(kv, awsCfg)
	if err != nil {
		return err
	}
	app.store = syncstore.WithRetry(store, c.RetryAttempts)

	app.logger.Info(ctx, "storage ready", "sync_backend", c.SyncBackend, "kv_backend", c.KVBackend)
	return nil
}

func loadAWSConfig(ctx context.Context, c *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(c.AWSRegion)}
	if c.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AWSAccessKeyID, c.AWSSecretAccessKey, "")))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func (app *App) newKV(awsCfg aws.Config) (kvstore.Store, error) {
	c := app.config
	switch c.KVBackend {
	case config.KVMemory:
		return kvstore.NewMemory(), nil
	case config.KVPostgres:
		return kvstore.NewPostgres(app.db), nil
	case config.KVS3:
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if c.S3BaseEndpoint != "" {
				o.BaseEndpoint = aws.String(c.S3BaseEndpoint)
				o.UsePathStyle = true
			}
		})
		return kvstore.NewS3(client, c.S3Bucket, c.S3Prefix), nil
	default:
		return nil, fmt.Errorf("unknown kv backend %q", c.KVBackend)
	}
}

func (app *App) newStore(kv kvstore.Store, awsCfg aws.Config) (syncstore.Store, error) {
	c := app.config
	log := app.logger.With("backend", c.SyncBackend)

	switch c.SyncBackend {
	case config.SyncKV:
		return kvsync.New(kv,
			kvsync.WithLogger(log),
			kvsync.WithNotifier(app.broadcaster),
			kvsync.WithWriteTimeout(c.WriteTimeout),
		), nil
	case config.SyncPostgres:
		return sqlsync.New(app.db,
			sqlsync.WithLogger(log),
			sqlsync.WithNotifier(app.broadcaster),
		), nil
	case config.SyncDynamoDB:
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if c.DynamoBaseEndpoint != "" {
				o.BaseEndpoint = aws.String(c.DynamoBaseEndpoint)
			}
		})
		return dynsync.New(client, lease.NewDynamo(client, c.LockTable), dynsync.Config{
			CollectionsTable: c.CollectionsTable,
			ItemsTable:       c.ItemsTable,
			LockTTL:          c.LockTTL,
		}, dynsync.WithLogger(log), dynsync.WithNotifier(app.broadcaster)), nil
	default:
		return nil, fmt.Errorf("unknown sync backend %q", c.SyncBackend)
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// watchChanges logs every committed change together with the push endpoints
// registered for its user. Delivering the pushes is left to an external
// service reading the same registry.
func (app *App) watchChanges(ctx context.Context, changes <-chan syncstore.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			eps, err := app.endpoints.List(ctx, ch.UserID)
			if err != nil {
				app.logger.Warn(ctx, "listing endpoints failed", "user", ch.UserID, "error", err)
				continue
			}
			app.logger.Info(ctx, "change committed", "user", ch.UserID,
				"collection", ch.Collection, "version", ch.Version, "endpoints", len(eps))
		}
	}
}

// Run serves until ctx is cancelled or the process receives a stop signal.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.initSignalHandler(cancelFunc)
	app.logger.Info(ctx, "starting app")

	changes, unsubscribe := app.broadcaster.Subscribe(256)
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.watchChanges(ctx, changes)
	}()

	srv := httpapi.NewServer(app.store, app.endpoints, []byte(app.config.SecretKey), app.logger.With("module", "http"))
	err := srv.Run(ctx, app.config.HTTPAddr)
	cancelFunc()
	wg.Wait()

	return multierr.Append(err, app.Close())
}

// Close releases the database handle, if any, and stops change delivery.
func (app *App) Close() error {
	app.broadcaster.Close()
	if app.db != nil {
		err := app.db.Close()
		app.db = nil
		return err
	}
	return nil
}
