package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/desertthunder/tracksync/internal/shared"
)

const postgresOperationTimeout = 10 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresDB lazily opens a shared Postgres catalog and migrates its schema on first use.
type PostgresDB struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresDB prepares a connection to dsn without dialing it.
func NewPostgresDB(dsn string) (*PostgresDB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	return &PostgresDB{dsn: dsn, openDB: sql.Open}, nil
}

// DB returns the ready connection pool, migrating the schema the first time.
func (p *PostgresDB) DB() (*sql.DB, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	return p.db, nil
}

// Close closes the pool if it was opened.
func (p *PostgresDB) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresDB) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = fmt.Errorf("failed to open postgres: %w", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			p.initErr = fmt.Errorf("failed to ping postgres: %w", err)
			return
		}

		if err := shared.RunMigrations(ctx, db, shared.Postgres); err != nil {
			_ = db.Close()
			p.initErr = fmt.Errorf("failed to migrate postgres: %w", err)
			return
		}
		p.db = db
	})
	return p.initErr
}
