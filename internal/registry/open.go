package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Backend selection values for Options.Backend.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

// Options selects and parameterizes a registry backend.
type Options struct {
	// Backend is one of BackendSQLite, BackendPostgres, BackendDynamoDB.
	Backend string

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string

	// DynamoTable is the table name for the dynamodb backend.
	DynamoTable string
}

// Open creates the configured Store, running schema setup as needed. Both
// binaries use it so backend selection behaves identically everywhere.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (Store, error) {
	switch opts.Backend {
	case BackendSQLite, "":
		return OpenSQL(SQLConfig{Driver: "sqlite", DSN: opts.SQLitePath, Logger: logger})
	case BackendPostgres:
		return OpenSQL(SQLConfig{Driver: "postgres", DSN: opts.PostgresDSN, Logger: logger})
	case BackendDynamoDB:
		return OpenDynamo(ctx, opts.DynamoTable, logger)
	default:
		return nil, fmt.Errorf("registry: unsupported backend %q", opts.Backend)
	}
}
