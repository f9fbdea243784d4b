package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/reservation-service/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "modernc.org/sqlite"
)

// SQLLedger reads the products table. It serves both the sqlite catalog file
// and the products table that lives next to the holds in Postgres.
type SQLLedger struct {
	db    *sql.DB
	owned bool
}

// NewSQLiteLedger opens the sqlite catalog at dbPath
func NewSQLiteLedger(dbPath string) (*SQLLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLLedger{db: db, owned: true}, nil
}

// NewSQLLedger reads products through an existing connection pool.
// Close leaves the pool open; its owner closes it.
func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

// RunMigrations applies the sqlite catalog schema and seed data
func (l *SQLLedger) RunMigrations(migrationsPath string) error {
	driver, err := sqlite.WithInstance(l.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"sqlite",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func (l *SQLLedger) Product(ctx context.Context, productID int64) (domain.Product, error) {
	query := `
		SELECT id, name, total_stock, active
		FROM products
		WHERE id = $1
	`

	var p domain.Product
	err := l.db.QueryRowContext(ctx, query, productID).Scan(&p.ID, &p.Name, &p.TotalStock, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("failed to query product: %w", err)
	}
	return p, nil
}

func (l *SQLLedger) Close() error {
	if !l.owned {
		return nil
	}
	return l.db.Close()
}
