package domain

import (
	"context"
	"time"

	"village/internal/models"
)

// ReservationStore persists reservations. Implementations must enforce the
// no-overlap invariant themselves so that a losing concurrent insert surfaces
// as ErrOverlapConflict.
type ReservationStore interface {
	// CreateReservation inserts r and sets its ID.
	CreateReservation(ctx context.Context, r *models.Reservation) error
	GetReservation(ctx context.Context, id int64) (*models.Reservation, error)
	// ListActiveReservations returns waiting and accepted reservations of a resource.
	ListActiveReservations(ctx context.Context, resourceID int64) ([]models.Reservation, error)
	// ListReservationsByResource returns every reservation of a resource ordered by creation.
	ListReservationsByResource(ctx context.Context, resourceID int64) ([]models.Reservation, error)
	ListReservations(ctx context.Context, filter ReservationFilter) ([]models.Reservation, error)
	ListAcceptedDeals(ctx context.Context) ([]models.AcceptedDeal, error)
	// UpdateStatus moves a reservation from one status to another atomically.
	// Returns ErrInvalidStateTransition if the current status is not from.
	UpdateStatus(ctx context.Context, id int64, from, to models.Status) error
	// DeleteWaitingReservation removes a reservation only while it is waiting.
	DeleteWaitingReservation(ctx context.Context, id int64) error
	// DeleteReservationsByResource removes all reservations of a resource.
	DeleteReservationsByResource(ctx context.Context, resourceID int64) (int64, error)
	CountReservationsByResource(ctx context.Context) ([]models.ReservationCount, error)
}

// ReservationFilter narrows ListReservations.
type ReservationFilter struct {
	Status     models.Status
	ResourceID int64
	RenterID   int64
	// ActiveOnly keeps waiting and accepted reservations.
	ActiveOnly bool
	From       time.Time
	To         time.Time
	Limit      int
}

// ResourceRegistry resolves products for the booking engine.
type ResourceRegistry interface {
	ResourceExists(ctx context.Context, resourceID int64) (bool, error)
	// ResourceOwner returns ErrResourceNotFound for unknown resources.
	ResourceOwner(ctx context.Context, resourceID int64) (int64, error)
}

// ProductStore persists product listings.
type ProductStore interface {
	ResourceRegistry
	CreateProduct(ctx context.Context, p *models.Product) error
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
	// DeleteProduct is idempotent.
	DeleteProduct(ctx context.Context, id int64) error
}

// StatusNotifier receives committed status changes. Delivery is best-effort.
type StatusNotifier interface {
	OnStatusChanged(ctx context.Context, change models.StatusChange) error
}

// EventPublisher hands domain events to the outbound queue.
type EventPublisher interface {
	PublishJSON(evType string, payload interface{}) error
}
