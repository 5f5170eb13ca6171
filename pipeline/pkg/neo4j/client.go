package neo4j

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const DefaultDatabase = "neo4j"

// Client is a Neo4j driver bound to one database.
type Client interface {
	Session(ctx context.Context) (Session, error)
	Close(ctx context.Context) error
}

type Session interface {
	Run(ctx context.Context, cypher string, params map[string]any) (Result, error)
	ExecuteRead(ctx context.Context, work TransactionWork) (any, error)
	ExecuteWrite(ctx context.Context, work TransactionWork) (any, error)
	Close(ctx context.Context) error
}

type TransactionWork func(tx Transaction) (any, error)

type Transaction interface {
	Run(ctx context.Context, cypher string, params map[string]any) (Result, error)
}

type Result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
	Consume(ctx context.Context) (neo4j.ResultSummary, error)
	Collect(ctx context.Context) ([]*neo4j.Record, error)
	Single(ctx context.Context) (*neo4j.Record, error)
}

type client struct {
	driver   neo4j.DriverWithContext
	database string
}

type session struct {
	sess neo4j.SessionWithContext
}

type transaction struct {
	tx neo4j.ManagedTransaction
}

// NewClient connects to uri and verifies connectivity. An empty username
// connects without authentication.
func NewClient(ctx context.Context, log *slog.Logger, uri, database, username, password string) (Client, error) {
	auth := neo4j.NoAuth()
	if username != "" {
		auth = neo4j.BasicAuth(username, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}
	if database == "" {
		database = DefaultDatabase
	}

	log.Info("Neo4j client initialized", "uri", uri, "database", database)
	return &client{driver: driver, database: database}, nil
}

func (c *client) Session(ctx context.Context) (Session, error) {
	return &session{sess: c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})}, nil
}

func (c *client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (s *session) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return s.sess.Run(ctx, cypher, params)
}

func (s *session) ExecuteRead(ctx context.Context, work TransactionWork) (any, error) {
	return s.sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return work(&transaction{tx: tx})
	})
}

func (s *session) ExecuteWrite(ctx context.Context, work TransactionWork) (any, error) {
	return s.sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return work(&transaction{tx: tx})
	})
}

func (s *session) Close(ctx context.Context) error {
	return s.sess.Close(ctx)
}

func (t *transaction) Run(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return t.tx.Run(ctx, cypher, params)
}

// Exec runs a statement in its own session and discards the result.
func Exec(ctx context.Context, c Client, cypher string, params map[string]any) error {
	sess, err := c.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}
