// Package postgres is the server-grade reservation store. The overlap
// invariant is guarded by an exclusion constraint on the reservation range.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"village/internal/domain"
	"village/internal/models"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for dsn and verifies it answers.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, domain.Unavailable("create postgres pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, domain.Unavailable("ping postgres", err)
	}
	return pool, nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return s.pool.QueryRow(ctx, sql, args...)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return s.pool.Query(ctx, sql, args...)
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return s.pool.Exec(ctx, sql, args...)
}

// mapErr turns driver errors into domain errors. Business errors pass through.
func mapErr(op string, err error) error {
	if err == nil || domain.IsBusinessError(err) || errors.Is(err, domain.ErrStorageUnavailable) {
		return err
	}
	switch pgCode(err) {
	case codeExclusionViolation:
		return domain.ErrOverlapConflict
	case codeForeignKeyViolation:
		return domain.ErrResourceNotFound
	case codeCheckViolation:
		return domain.ErrInvalidRange
	}
	return domain.Unavailable(op, err)
}

const reservationColumns = `id, product_id, renter_id, start_date, end_date, status, created_at`

func scanReservation(row pgx.Row) (models.Reservation, error) {
	var (
		r      models.Reservation
		status string
	)
	err := row.Scan(&r.ID, &r.ResourceID, &r.RenterID, &r.StartDate, &r.EndDate, &status, &r.CreatedAt)
	r.Status = models.Status(status)
	r.StartDate = r.StartDate.UTC()
	r.EndDate = r.EndDate.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return r, err
}

// CreateReservation locks the product row, checks for overlaps and inserts.
// The exclusion constraint rejects anything the check might have missed.
func (s *Store) CreateReservation(ctx context.Context, r *models.Reservation) error {
	if r.Status == "" {
		r.Status = models.StatusWaiting
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	err := withTx(ctx, s.pool, func(ctx context.Context) error {
		var pid int64
		err := s.queryRow(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, r.ResourceID).Scan(&pid)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrResourceNotFound
		}
		if err != nil {
			return err
		}

		if r.Status.Occupies() {
			var conflictID int64
			err = s.queryRow(ctx, `
SELECT id FROM reservations
WHERE product_id = $1
AND status = ANY($4)
AND start_date < $2
AND $3 < end_date
LIMIT 1`, r.ResourceID, r.EndDate, r.StartDate, activeStatuses()).Scan(&conflictID)
			switch {
			case err == nil:
				return fmt.Errorf("%w: overlaps reservation %d", domain.ErrOverlapConflict, conflictID)
			case !errors.Is(err, pgx.ErrNoRows):
				return err
			}
		}

		return s.queryRow(ctx, `
INSERT INTO reservations (product_id, renter_id, start_date, end_date, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`,
			r.ResourceID, r.RenterID, r.StartDate, r.EndDate, string(r.Status), r.CreatedAt,
		).Scan(&r.ID)
	})
	return mapErr("create reservation", err)
}

func (s *Store) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	r, err := scanReservation(s.queryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, mapErr("get reservation", err)
	}
	return &r, nil
}

func (s *Store) ListActiveReservations(ctx context.Context, resourceID int64) ([]models.Reservation, error) {
	return s.ListReservations(ctx, domain.ReservationFilter{ResourceID: resourceID, ActiveOnly: true})
}

func (s *Store) ListReservationsByResource(ctx context.Context, resourceID int64) ([]models.Reservation, error) {
	return s.ListReservations(ctx, domain.ReservationFilter{ResourceID: resourceID})
}

func (s *Store) ListReservations(ctx context.Context, filter domain.ReservationFilter) ([]models.Reservation, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ResourceID != 0 {
		where = append(where, "product_id = "+arg(filter.ResourceID))
	}
	if filter.RenterID != 0 {
		where = append(where, "renter_id = "+arg(filter.RenterID))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if filter.ActiveOnly {
		where = append(where, "status = ANY("+arg(activeStatuses())+")")
	}
	if !filter.From.IsZero() {
		where = append(where, "end_date > "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "start_date < "+arg(filter.To))
	}

	sql := `SELECT ` + reservationColumns + ` FROM reservations`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		sql += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr("list reservations", err)
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, mapErr("scan reservation", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("iterate reservations", err)
	}
	return out, nil
}

func (s *Store) ListAcceptedDeals(ctx context.Context) ([]models.AcceptedDeal, error) {
	rows, err := s.query(ctx, `
SELECT r.id, r.product_id, r.renter_id, p.owner_id, r.start_date, r.end_date
FROM reservations r
JOIN products p ON p.id = r.product_id
WHERE r.status = 'accepted'
ORDER BY r.created_at, r.id`)
	if err != nil {
		return nil, mapErr("list accepted deals", err)
	}
	defer rows.Close()

	var out []models.AcceptedDeal
	for rows.Next() {
		var d models.AcceptedDeal
		if err := rows.Scan(&d.ReservationID, &d.ResourceID, &d.RenterID, &d.OwnerID, &d.StartDate, &d.EndDate); err != nil {
			return nil, mapErr("scan accepted deal", err)
		}
		d.StartDate = d.StartDate.UTC()
		d.EndDate = d.EndDate.UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("iterate accepted deals", err)
	}
	return out, nil
}

// UpdateStatus is a compare-and-set on the status column.
func (s *Store) UpdateStatus(ctx context.Context, id int64, from, to models.Status) error {
	tag, err := s.exec(ctx,
		`UPDATE reservations SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return mapErr("update reservation status", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id)
	}
	return nil
}

func (s *Store) DeleteWaitingReservation(ctx context.Context, id int64) error {
	tag, err := s.exec(ctx, `DELETE FROM reservations WHERE id = $1 AND status = 'waiting'`, id)
	if err != nil {
		return mapErr("delete reservation", err)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, id)
	}
	return nil
}

func (s *Store) explainMiss(ctx context.Context, id int64) error {
	var status string
	err := s.queryRow(ctx, `SELECT status FROM reservations WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrReservationNotFound
	}
	if err != nil {
		return mapErr("reload reservation", err)
	}
	return fmt.Errorf("%w: reservation %d is %s", domain.ErrInvalidStateTransition, id, status)
}

func (s *Store) DeleteReservationsByResource(ctx context.Context, resourceID int64) (int64, error) {
	tag, err := s.exec(ctx, `DELETE FROM reservations WHERE product_id = $1`, resourceID)
	if err != nil {
		return 0, mapErr("delete product reservations", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CountReservationsByResource(ctx context.Context) ([]models.ReservationCount, error) {
	rows, err := s.query(ctx, `
SELECT product_id, COUNT(*) AS cnt
FROM reservations
GROUP BY product_id
ORDER BY cnt DESC, product_id`)
	if err != nil {
		return nil, mapErr("count reservations", err)
	}
	defer rows.Close()

	var out []models.ReservationCount
	for rows.Next() {
		var c models.ReservationCount
		if err := rows.Scan(&c.ResourceID, &c.Count); err != nil {
			return nil, mapErr("scan reservation count", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("iterate reservation counts", err)
	}
	return out, nil
}

func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	err := s.queryRow(ctx,
		`INSERT INTO products (owner_id, title, location, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		p.OwnerID, p.Title, p.Location, p.CreatedAt,
	).Scan(&p.ID)
	return mapErr("insert product", err)
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var p models.Product
	err := s.queryRow(ctx,
		`SELECT id, owner_id, title, location, created_at FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.OwnerID, &p.Title, &p.Location, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrResourceNotFound
	}
	if err != nil {
		return nil, mapErr("get product", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	rows, err := s.query(ctx, `SELECT id, owner_id, title, location, created_at FROM products ORDER BY id`)
	if err != nil {
		return nil, mapErr("list products", err)
	}
	defer rows.Close()

	var out []models.Product
	for rows.Next() {
		var p models.Product
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Title, &p.Location, &p.CreatedAt); err != nil {
			return nil, mapErr("scan product", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("iterate products", err)
	}
	return out, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	return mapErr("delete product", err)
}

func (s *Store) ResourceExists(ctx context.Context, resourceID int64) (bool, error) {
	var exists bool
	err := s.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, resourceID).Scan(&exists)
	if err != nil {
		return false, mapErr("product exists", err)
	}
	return exists, nil
}

func (s *Store) ResourceOwner(ctx context.Context, resourceID int64) (int64, error) {
	var owner int64
	err := s.queryRow(ctx, `SELECT owner_id FROM products WHERE id = $1`, resourceID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrResourceNotFound
	}
	if err != nil {
		return 0, mapErr("product owner", err)
	}
	return owner, nil
}

var (
	_ domain.ReservationStore = (*Store)(nil)
	_ domain.ProductStore     = (*Store)(nil)
)

// activeStatuses lists the statuses that hold an interval as a text[] argument.
func activeStatuses() []string {
	out := make([]string, len(models.ActiveStatuses))
	for i, st := range models.ActiveStatuses {
		out[i] = string(st)
	}
	return out
}
