package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"village/internal/domain"
	"village/internal/models"
)

const reservationColumns = `id, product_id, renter_id, start_date, end_date, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (models.Reservation, error) {
	var (
		r          models.Reservation
		start, end int64
		created    int64
		status     string
	)
	if err := row.Scan(&r.ID, &r.ResourceID, &r.RenterID, &start, &end, &status, &created); err != nil {
		return r, err
	}
	r.StartDate = fromUnix(start)
	r.EndDate = fromUnix(end)
	r.Status = models.Status(status)
	r.CreatedAt = fromUnixNano(created)
	return r, nil
}

// CreateReservation checks the active reservations of the product and inserts
// r inside one immediate transaction. The insert trigger rejects anything the
// check might have missed.
func (db *DB) CreateReservation(ctx context.Context, r *models.Reservation) error {
	if r.Status == "" {
		r.Status = models.StatusWaiting
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Unavailable("begin reservation tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if r.Status.Occupies() {
		var conflictID int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM reservations
			WHERE product_id = ?
			AND status IN (`+activeStatusSQL+`)
			AND start_date < ?
			AND ? < end_date
			LIMIT 1`,
			r.ResourceID, toUnix(r.EndDate), toUnix(r.StartDate),
		).Scan(&conflictID)
		switch {
		case err == nil:
			return fmt.Errorf("%w: overlaps reservation %d", domain.ErrOverlapConflict, conflictID)
		case !errors.Is(err, sql.ErrNoRows):
			return domain.Unavailable("check overlap", err)
		}
	}

	now := time.Now().UTC().UnixNano()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO reservations (product_id, renter_id, start_date, end_date, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ResourceID, r.RenterID, toUnix(r.StartDate), toUnix(r.EndDate), string(r.Status),
		r.CreatedAt.UTC().UnixNano(), now,
	)
	if err != nil {
		switch {
		case isOverlapViolation(err):
			return domain.ErrOverlapConflict
		case isForeignKeyViolation(err):
			return domain.ErrResourceNotFound
		case isCheckViolation(err):
			return domain.ErrInvalidRange
		}
		return domain.Unavailable("insert reservation", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return domain.Unavailable("reservation id", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Unavailable("commit reservation", err)
	}
	r.ID = id
	return nil
}

func (db *DB) GetReservation(ctx context.Context, id int64) (*models.Reservation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, domain.Unavailable("get reservation", err)
	}
	return &r, nil
}

func (db *DB) ListActiveReservations(ctx context.Context, resourceID int64) ([]models.Reservation, error) {
	return db.ListReservations(ctx, domain.ReservationFilter{ResourceID: resourceID, ActiveOnly: true})
}

func (db *DB) ListReservationsByResource(ctx context.Context, resourceID int64) ([]models.Reservation, error) {
	return db.ListReservations(ctx, domain.ReservationFilter{ResourceID: resourceID})
}

// ListReservations returns reservations matching filter ordered by creation time.
func (db *DB) ListReservations(ctx context.Context, filter domain.ReservationFilter) ([]models.Reservation, error) {
	var (
		where []string
		args  []any
	)
	if filter.ResourceID != 0 {
		where = append(where, "product_id = ?")
		args = append(args, filter.ResourceID)
	}
	if filter.RenterID != 0 {
		where = append(where, "renter_id = ?")
		args = append(args, filter.RenterID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ActiveOnly {
		where = append(where, "status IN ("+activeStatusSQL+")")
	}
	if !filter.From.IsZero() {
		where = append(where, "end_date > ?")
		args = append(args, toUnix(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "start_date < ?")
		args = append(args, toUnix(filter.To))
	}

	query := `SELECT ` + reservationColumns + ` FROM reservations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Unavailable("list reservations", err)
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, domain.Unavailable("scan reservation", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("iterate reservations", err)
	}
	return out, nil
}

// ListAcceptedDeals joins accepted reservations with their product owners.
func (db *DB) ListAcceptedDeals(ctx context.Context) ([]models.AcceptedDeal, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.id, r.product_id, r.renter_id, p.owner_id, r.start_date, r.end_date
		FROM reservations r
		JOIN products p ON p.id = r.product_id
		WHERE r.status = 'accepted'
		ORDER BY r.created_at, r.id`)
	if err != nil {
		return nil, domain.Unavailable("list accepted deals", err)
	}
	defer rows.Close()

	var out []models.AcceptedDeal
	for rows.Next() {
		var (
			d          models.AcceptedDeal
			start, end int64
		)
		if err := rows.Scan(&d.ReservationID, &d.ResourceID, &d.RenterID, &d.OwnerID, &start, &end); err != nil {
			return nil, domain.Unavailable("scan accepted deal", err)
		}
		d.StartDate = fromUnix(start)
		d.EndDate = fromUnix(end)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("iterate accepted deals", err)
	}
	return out, nil
}

// UpdateStatus is a compare-and-set on the status column.
func (db *DB) UpdateStatus(ctx context.Context, id int64, from, to models.Status) error {
	res, err := db.ExecContext(ctx,
		`UPDATE reservations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC().UnixNano(), id, string(from),
	)
	if err != nil {
		return domain.Unavailable("update reservation status", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.explainMiss(ctx, id)
	}
	return nil
}

// DeleteWaitingReservation removes the row only if it is still waiting.
func (db *DB) DeleteWaitingReservation(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM reservations WHERE id = ? AND status = 'waiting'`, id)
	if err != nil {
		return domain.Unavailable("delete reservation", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.explainMiss(ctx, id)
	}
	return nil
}

// explainMiss turns a compare-and-set miss into the matching domain error.
func (db *DB) explainMiss(ctx context.Context, id int64) error {
	var status string
	err := db.QueryRowContext(ctx, `SELECT status FROM reservations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrReservationNotFound
	}
	if err != nil {
		return domain.Unavailable("reload reservation", err)
	}
	return fmt.Errorf("%w: reservation %d is %s", domain.ErrInvalidStateTransition, id, status)
}

func (db *DB) DeleteReservationsByResource(ctx context.Context, resourceID int64) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM reservations WHERE product_id = ?`, resourceID)
	if err != nil {
		return 0, domain.Unavailable("delete product reservations", err)
	}
	return rowsAffected(res)
}

// CountReservationsByResource counts every reservation ever made per product.
func (db *DB) CountReservationsByResource(ctx context.Context) ([]models.ReservationCount, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT product_id, COUNT(*) AS cnt
		FROM reservations
		GROUP BY product_id
		ORDER BY cnt DESC, product_id`)
	if err != nil {
		return nil, domain.Unavailable("count reservations", err)
	}
	defer rows.Close()

	var out []models.ReservationCount
	for rows.Next() {
		var c models.ReservationCount
		if err := rows.Scan(&c.ResourceID, &c.Count); err != nil {
			return nil, domain.Unavailable("scan reservation count", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("iterate reservation counts", err)
	}
	return out, nil
}
