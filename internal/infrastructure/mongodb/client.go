package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/kirillkom/db-agent/internal/infrastructure/resilience"
)

type Options struct {
	ConnectTimeout     time.Duration
	ResilienceExecutor *resilience.Executor
}

// Client owns the driver connection and the selected database.
type Client struct {
	client   *mongo.Client
	db       *mongo.Database
	executor *resilience.Executor
}

func Connect(ctx context.Context, uri, database string, opts Options) (*Client, error) {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}

	clientOptions := options.Client().
		ApplyURI(uri).
		SetAppName("db-agent").
		SetConnectTimeout(connectTimeout).
		SetServerSelectionTimeout(connectTimeout).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &Client{
		client:   client,
		db:       client.Database(database),
		executor: opts.ResilienceExecutor,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Disconnect(ctx)
}

func (c *Client) Database() *mongo.Database {
	return c.db
}

func (c *Client) Executor() *resilience.Executor {
	return c.executor
}
