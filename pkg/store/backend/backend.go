// Package backend builds the configured storage backend.
package backend

import (
	"context"
	"fmt"

	"github.com/nimburion/docroute/pkg/config"
	"github.com/nimburion/docroute/pkg/observability/logger"
	"github.com/nimburion/docroute/pkg/store"
	"github.com/nimburion/docroute/pkg/store/dynamodb"
	"github.com/nimburion/docroute/pkg/store/memory"
	"github.com/nimburion/docroute/pkg/store/mongodb"
	"github.com/nimburion/docroute/pkg/store/mysql"
	"github.com/nimburion/docroute/pkg/store/postgres"
	"github.com/nimburion/docroute/pkg/store/sqlstore"
)

// Cosa fa: seleziona e inizializza lo store partizionato in base alla config.
// Cosa NON fa: non gestisce fallback tra provider diversi.
// Esempio minimo: st, err := backend.New(ctx, cfg.Storage, cfg.Collection.Name, log)
func New(ctx context.Context, cfg config.StorageConfig, collection string, log logger.Logger) (store.Store, error) {
	switch cfg.Type {
	case config.StorageTypeMemory, "":
		return memory.New(memory.WithLatency(cfg.Memory.Latency), memory.WithLogger(log)), nil
	case config.StorageTypeDynamoDB:
		table := cfg.DynamoDB.Table
		if table == "" {
			table = collection
		}
		adapter, err := dynamodb.NewAdapter(dynamodb.Config{
			Region:           cfg.DynamoDB.Region,
			Endpoint:         cfg.DynamoDB.Endpoint,
			Table:            table,
			AccessKeyID:      cfg.DynamoDB.AccessKeyID,
			SecretAccessKey:  cfg.DynamoDB.SecretAccessKey,
			SessionToken:     cfg.DynamoDB.SessionToken,
			OperationTimeout: cfg.DynamoDB.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		if cfg.DynamoDB.CreateTable {
			if err := adapter.EnsureTable(ctx); err != nil {
				adapter.Close()
				return nil, fmt.Errorf("ensure dynamodb table %s: %w", table, err)
			}
		}
		return adapter, nil
	case config.StorageTypeMongoDB:
		coll := cfg.MongoDB.Collection
		if coll == "" {
			coll = collection
		}
		adapter, err := mongodb.NewAdapter(mongodb.Config{
			URL:              cfg.MongoDB.URL,
			Database:         cfg.MongoDB.Database,
			Collection:       coll,
			ConnectTimeout:   cfg.MongoDB.ConnectTimeout,
			OperationTimeout: cfg.MongoDB.OperationTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		if err := adapter.EnsureIndexes(ctx); err != nil {
			adapter.Close()
			return nil, fmt.Errorf("ensure mongodb indexes: %w", err)
		}
		return adapter, nil
	case config.StorageTypePostgres:
		return openSQL(ctx, cfg.Postgres, collection, postgres.Dialect{}, log)
	case config.StorageTypeMySQL:
		return openSQL(ctx, cfg.MySQL, collection, mysql.Dialect{}, log)
	default:
		return nil, fmt.Errorf("unsupported storage.type %q (supported: memory, dynamodb, mongodb, postgres, mysql)", cfg.Type)
	}
}

func openSQL(ctx context.Context, cfg config.SQLConfig, collection string, dialect sqlstore.Dialect, log logger.Logger) (store.Store, error) {
	table := cfg.Table
	if table == "" {
		table = collection
	}
	st, err := sqlstore.Open(sqlstore.Config{
		URL:             cfg.URL,
		Table:           table,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		QueryTimeout:    cfg.QueryTimeout,
	}, dialect, log)
	if err != nil {
		return nil, err
	}
	if cfg.CreateTable {
		if err := st.EnsureTable(ctx); err != nil {
			st.Close()
			return nil, err
		}
	}
	return st, nil
}
