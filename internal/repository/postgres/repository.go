package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

const defaultMaxOpenConns = 20

// Credentials locate the database that stores holds and, when the catalog
// lives in Postgres too, products.
type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
	MaxOpenConns      int
}

// dsn renders the credentials as a lib/pq connection URL
func (c *Credentials) dsn() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Repository owns the Postgres pool. It stores holds and also hosts the
// products table the SQL ledger reads when the catalog lives in Postgres.
type Repository struct {
	db            *sql.DB
	migrationsDir string
}

// Open connects and verifies the pool. Every engine operation holds one
// connection for its whole critical section, so the pool bounds how many
// products can be worked on at once.
func Open(ctx context.Context, cred *Credentials) (*Repository, error) {
	db, err := sql.Open("postgres", cred.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cred.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(max(maxOpen/4, 2))
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database %s:%d: %w", cred.Host, cred.Port, err)
	}
	return &Repository{db: db, migrationsDir: cred.MigrationsDirPath}, nil
}

// Migrate brings the holds and products tables up to date
func (r *Repository) Migrate() error {
	if r.migrationsDir == "" {
		return errors.New("no migrations directory configured")
	}

	driver, err := migratepg.WithInstance(r.db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+r.migrationsDir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

// DB exposes the pool so the SQL ledger can share it
func (r *Repository) DB() *sql.DB {
	return r.db
}

func (r *Repository) Close() error {
	return r.db.Close()
}
