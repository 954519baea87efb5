// Package report exports reservations to an xlsx workbook.
package report

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"village/internal/domain"
	"village/internal/models"
)

const dateLayout = "2006-01-02"

// Source supplies the data for a report.
type Source interface {
	ListReservations(ctx context.Context, filter domain.ReservationFilter) ([]models.Reservation, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
}

// Exporter renders one sheet per reservation status plus a product summary.
type Exporter struct {
	source Source
	logger *zerolog.Logger
}

func NewExporter(source Source, logger *zerolog.Logger) *Exporter {
	l := logger.With().Str("component", "report").Logger()
	return &Exporter{source: source, logger: &l}
}

var reservationColumns = []string{"ID", "Product", "Product title", "Renter", "Start", "End", "Nights", "Created"}

// Write renders reservations overlapping [from, to) into out. Zero bounds
// leave that side open.
func (e *Exporter) Write(ctx context.Context, out io.Writer, from, to time.Time) error {
	products, err := e.source.ListProducts(ctx)
	if err != nil {
		return err
	}
	titles := make(map[int64]string, len(products))
	for _, p := range products {
		titles[p.ID] = p.Title
	}

	reservations, err := e.source.ListReservations(ctx, domain.ReservationFilter{From: from, To: to})
	if err != nil {
		return err
	}

	byStatus := make(map[models.Status][]models.Reservation)
	perProduct := make(map[int64]map[models.Status]int)
	for _, r := range reservations {
		byStatus[r.Status] = append(byStatus[r.Status], r)
		if perProduct[r.ResourceID] == nil {
			perProduct[r.ResourceID] = make(map[models.Status]int)
		}
		perProduct[r.ResourceID][r.Status]++
	}

	w := newSheetWriter()
	defer func() { _ = w.close() }()

	for _, status := range []models.Status{models.StatusWaiting, models.StatusAccepted, models.StatusRejected} {
		if err := w.addSheet(string(status)); err != nil {
			return err
		}
		if err := w.writeHeader(reservationColumns); err != nil {
			return err
		}
		for _, r := range byStatus[status] {
			row := []interface{}{
				r.ID, r.ResourceID, titles[r.ResourceID], r.RenterID,
				r.StartDate.Format(dateLayout), r.EndDate.Format(dateLayout),
				r.Nights(), r.CreatedAt.Format(time.RFC3339),
			}
			if err := w.writeRow(row); err != nil {
				return fmt.Errorf("write %s row: %w", status, err)
			}
		}
	}

	if err := w.addSheet("products"); err != nil {
		return err
	}
	if err := w.writeHeader([]string{"Product", "Title", "Owner", "Waiting", "Accepted", "Rejected"}); err != nil {
		return err
	}
	for _, p := range products {
		c := perProduct[p.ID]
		row := []interface{}{p.ID, p.Title, p.OwnerID, c[models.StatusWaiting], c[models.StatusAccepted], c[models.StatusRejected]}
		if err := w.writeRow(row); err != nil {
			return fmt.Errorf("write product row: %w", err)
		}
	}

	if err := w.save(out); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	e.logger.Info().Int("reservations", len(reservations)).Int("products", len(products)).Msg("report written")
	return nil
}
