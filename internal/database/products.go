package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"village/internal/domain"
	"village/internal/models"
)

func (db *DB) CreateProduct(ctx context.Context, p *models.Product) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO products (owner_id, title, location, created_at) VALUES (?, ?, ?, ?)`,
		p.OwnerID, p.Title, p.Location, p.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return domain.Unavailable("insert product", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Unavailable("product id", err)
	}
	p.ID = id
	return nil
}

func (db *DB) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var (
		p       models.Product
		created int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, location, created_at FROM products WHERE id = ?`, id,
	).Scan(&p.ID, &p.OwnerID, &p.Title, &p.Location, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrResourceNotFound
	}
	if err != nil {
		return nil, domain.Unavailable("get product", err)
	}
	p.CreatedAt = fromUnixNano(created)
	return &p, nil
}

func (db *DB) ListProducts(ctx context.Context) ([]models.Product, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, owner_id, title, location, created_at FROM products ORDER BY id`)
	if err != nil {
		return nil, domain.Unavailable("list products", err)
	}
	defer rows.Close()

	var out []models.Product
	for rows.Next() {
		var (
			p       models.Product
			created int64
		)
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Title, &p.Location, &created); err != nil {
			return nil, domain.Unavailable("scan product", err)
		}
		p.CreatedAt = fromUnixNano(created)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("iterate products", err)
	}
	return out, nil
}

// DeleteProduct removes the product row. Deleting a missing product is not an error.
func (db *DB) DeleteProduct(ctx context.Context, id int64) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id); err != nil {
		return domain.Unavailable("delete product", err)
	}
	return nil
}

func (db *DB) ResourceExists(ctx context.Context, resourceID int64) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM products WHERE id = ?`, resourceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, domain.Unavailable("product exists", err)
	}
	return true, nil
}

func (db *DB) ResourceOwner(ctx context.Context, resourceID int64) (int64, error) {
	var owner int64
	err := db.QueryRowContext(ctx, `SELECT owner_id FROM products WHERE id = ?`, resourceID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrResourceNotFound
	}
	if err != nil {
		return 0, domain.Unavailable("product owner", err)
	}
	return owner, nil
}

var (
	_ domain.ReservationStore = (*DB)(nil)
	_ domain.ProductStore     = (*DB)(nil)
)
