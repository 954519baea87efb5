// Package api exposes the booking engine over JSON HTTP.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"village/internal/models"
)

// Bookings is the booking engine as seen by the API.
type Bookings interface {
	Reserve(ctx context.Context, resourceID, renterID int64, start, end time.Time) (*models.Reservation, error)
	Cancel(ctx context.Context, reservationID, requesterID int64) error
	ChangeStatus(ctx context.Context, reservationID, requesterID int64, status models.Status) (*models.Reservation, error)
	ListForResource(ctx context.Context, resourceID, viewerID int64) ([]models.ReservationView, error)
	ListAccepted(ctx context.Context) ([]models.AcceptedDeal, error)
}

// Products is the product registry as seen by the API.
type Products interface {
	Create(ctx context.Context, ownerID int64, title, location string) (*models.Product, error)
	Get(ctx context.Context, id int64) (*models.Product, error)
	Delete(ctx context.Context, productID, requesterID int64) error
}

// Ranking serves trending products.
type Ranking interface {
	Trending(ctx context.Context) ([]models.ReservationCount, error)
	IsTrending(ctx context.Context, resourceID int64) (bool, error)
}

// Reporter writes the xlsx reservation report.
type Reporter interface {
	Write(ctx context.Context, out io.Writer, from, to time.Time) error
}

// Server wires HTTP routes to the services.
type Server struct {
	bookings Bookings
	products Products
	ranking  Ranking
	reporter Reporter
	validate *validator.Validate
	logger   *zerolog.Logger
}

func NewServer(bookings Bookings, products Products, ranking Ranking, reporter Reporter, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "api").Logger()
	return &Server{
		bookings: bookings,
		products: products,
		ranking:  ranking,
		reporter: reporter,
		validate: validator.New(),
		logger:   &l,
	}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/products", s.withUser(s.handleCreateProduct))
	mux.HandleFunc("GET /api/products/trending", s.handleTrending)
	mux.HandleFunc("GET /api/products/{id}", s.handleGetProduct)
	mux.HandleFunc("DELETE /api/products/{id}", s.withUser(s.handleDeleteProduct))
	mux.HandleFunc("POST /api/products/{id}/reservations", s.withUser(s.handleReserve))
	mux.HandleFunc("GET /api/products/{id}/reservations", s.handleListForResource)

	mux.HandleFunc("GET /api/reservations/accepted", s.handleListAccepted)
	mux.HandleFunc("GET /api/reservations/export", s.handleExport)
	mux.HandleFunc("DELETE /api/reservations/{id}", s.withUser(s.handleCancel))
	mux.HandleFunc("PUT /api/reservations/{id}/status", s.withUser(s.handleChangeStatus))

	return RequestLogger(mux, s.logger)
}
