// Package surreal stores transfer records in SurrealDB over an auto-reconnecting WebSocket.
package surreal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

func init() {
	// WebSocket upgrades fail when ALPN negotiates HTTP/2.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

const schemaSQL = `
	DEFINE TABLE IF NOT EXISTS transfer SCHEMALESS;
	DEFINE INDEX IF NOT EXISTS transfer_status ON transfer FIELDS status;
	DEFINE TABLE IF NOT EXISTS transfer_event SCHEMALESS;
	DEFINE INDEX IF NOT EXISTS transfer_event_group ON transfer_event FIELDS group_name;
`

// ErrTransactionConflict is returned when concurrent writers touched the same record.
var ErrTransactionConflict = errors.New("transaction conflict")

// Config holds SurrealDB connection configuration.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // "root" or "database"
}

type client struct {
	conn   *rews.Connection[*gorillaws.Connection]
	db     *surrealdb.DB
	logger logger.Logger
}

func connect(ctx context.Context, cfg Config, log *slog.Logger) (*client, error) {
	if log == nil {
		log = slog.Default()
	}

	sdkLogger := logger.New(log.Handler())
	codec := surrealcbor.New()

	// gorillaws appends /rpc itself.
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		5*time.Second,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = 1 * time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = 10
	conn.Retryer = retryer

	log.InfoContext(ctx, "connecting to SurrealDB", "url", cfg.URL)

	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)

		return nil, fmt.Errorf("from connection: %w", err)
	}

	auth := surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}
	if cfg.AuthLevel == "database" {
		auth.Namespace = cfg.Namespace
		auth.Database = cfg.Database
	}

	if _, err := db.SignIn(ctx, auth); err != nil {
		_ = conn.Close(ctx)

		return nil, fmt.Errorf("signin: %w", err)
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)

		return nil, fmt.Errorf("use: %w", err)
	}

	if _, err := surrealdb.Query[any](ctx, db, schemaSQL, nil); err != nil {
		_ = conn.Close(ctx)

		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &client{conn: conn, db: db, logger: sdkLogger}, nil
}

func (c *client) close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// wrapQueryError maps known SurrealDB query failures onto sentinel errors.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) && strings.Contains(queryErr.Message, "conflict") {
		return fmt.Errorf("%w: %s", ErrTransactionConflict, queryErr.Message)
	}

	return err
}
