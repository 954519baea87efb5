package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"village/internal/clock"
	"village/internal/domain"
	"village/internal/events"
	"village/internal/lock"
	"village/internal/metrics"
	"village/internal/models"
	"village/internal/workflow"
)

// BookingService creates reservations and drives their status lifecycle.
type BookingService struct {
	store    domain.ReservationStore
	registry domain.ResourceRegistry
	locker   lock.Locker
	events   domain.EventPublisher
	machine  *workflow.Machine
	clock    clock.Clock
	logger   *zerolog.Logger
}

func NewBookingService(
	store domain.ReservationStore,
	registry domain.ResourceRegistry,
	locker lock.Locker,
	eventBus domain.EventPublisher,
	clk clock.Clock,
	logger *zerolog.Logger,
) *BookingService {
	if clk == nil {
		clk = clock.NewSystem()
	}
	l := logger.With().Str("component", "booking").Logger()
	return &BookingService{
		store:    store,
		registry: registry,
		locker:   locker,
		events:   eventBus,
		machine:  workflow.NewMachine(),
		clock:    clk,
		logger:   &l,
	}
}

// Reserve books [start, end) on a resource for the renter. The new
// reservation starts out waiting for the owner's decision.
func (s *BookingService) Reserve(ctx context.Context, resourceID, renterID int64, start, end time.Time) (*models.Reservation, error) {
	exists, err := s.registry.ResourceExists(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrResourceNotFound
	}

	if !start.Before(end) {
		return nil, domain.ErrInvalidRange
	}
	start, end = normalizeRange(start, end)

	unlock, err := s.lockResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r := &models.Reservation{
		ResourceID: resourceID,
		RenterID:   renterID,
		StartDate:  start,
		EndDate:    end,
		Status:     models.StatusWaiting,
	}

	active, err := s.store.ListActiveReservations(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	for i := range active {
		if r.OverlapsWith(&active[i]) {
			metrics.IncReservationCreated("conflict")
			return nil, fmt.Errorf("%w: overlaps reservation %d", domain.ErrOverlapConflict, active[i].ID)
		}
	}

	r.CreatedAt = s.clock.Now()
	if err := s.store.CreateReservation(ctx, r); err != nil {
		metrics.IncReservationCreated(resultLabel(err))
		return nil, err
	}
	metrics.IncReservationCreated("ok")

	s.logger.Info().
		Int64("reservation_id", r.ID).
		Int64("resource_id", resourceID).
		Int64("renter_id", renterID).
		Time("start", start).
		Time("end", end).
		Msg("reservation created")

	s.publish(events.ReservationCreated, r)
	return r, nil
}

// Cancel withdraws a waiting reservation. Only its renter may do so, and the
// row is deleted so the interval is free immediately.
func (s *BookingService) Cancel(ctx context.Context, reservationID, requesterID int64) error {
	r, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	role := workflow.RoleOther
	if requesterID == r.RenterID {
		role = workflow.RoleRenter
	}
	if _, err := s.machine.Transition(r.Status, models.StatusCancelled, role); err != nil {
		return err
	}

	if err := s.store.DeleteWaitingReservation(ctx, reservationID); err != nil {
		return err
	}
	metrics.IncReservationCancelled()

	s.logger.Info().
		Int64("reservation_id", reservationID).
		Int64("renter_id", requesterID).
		Msg("reservation cancelled")

	s.publishStatusChange(ctx, r, models.StatusCancelled)
	return nil
}

// ChangeStatus lets the resource owner accept or reject a waiting reservation.
func (s *BookingService) ChangeStatus(ctx context.Context, reservationID, requesterID int64, newStatus models.Status) (*models.Reservation, error) {
	r, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	ownerID, err := s.registry.ResourceOwner(ctx, r.ResourceID)
	if err != nil {
		return nil, err
	}

	role := workflow.ResolveRole(requesterID, ownerID, r.RenterID)
	if role != workflow.RoleOwner {
		return nil, domain.ErrNotSeller
	}
	if newStatus != models.StatusAccepted && newStatus != models.StatusRejected {
		return nil, fmt.Errorf("%w: status %q cannot be set by the owner", domain.ErrInvalidStateTransition, newStatus)
	}

	next, err := s.machine.Transition(r.Status, newStatus, role)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateStatus(ctx, reservationID, r.Status, next); err != nil {
		return nil, err
	}
	r.Status = next
	metrics.IncStatusChange(string(next))

	s.logger.Info().
		Int64("reservation_id", reservationID).
		Int64("owner_id", ownerID).
		Str("status", string(next)).
		Msg("reservation status changed")

	s.publish(events.ReservationStatusChanged, models.StatusChange{
		ReservationID: r.ID,
		ResourceID:    r.ResourceID,
		RenterID:      r.RenterID,
		OwnerID:       ownerID,
		Status:        next,
		ChangedAt:     s.clock.Now(),
	})
	return r, nil
}

// ListForResource returns every reservation of a resource in creation order,
// annotated for the viewer. Each call reads a fresh snapshot.
func (s *BookingService) ListForResource(ctx context.Context, resourceID, viewerID int64) ([]models.ReservationView, error) {
	exists, err := s.registry.ResourceExists(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrResourceNotFound
	}

	list, err := s.store.ListReservationsByResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	views := make([]models.ReservationView, 0, len(list))
	for _, r := range list {
		views = append(views, models.NewReservationView(r, viewerID))
	}
	return views, nil
}

// ListAccepted returns all accepted reservations with both parties.
func (s *BookingService) ListAccepted(ctx context.Context) ([]models.AcceptedDeal, error) {
	return s.store.ListAcceptedDeals(ctx)
}

// ListReservations returns reservations matching filter.
func (s *BookingService) ListReservations(ctx context.Context, filter domain.ReservationFilter) ([]models.Reservation, error) {
	return s.store.ListReservations(ctx, filter)
}

// DeleteReservationsForResource purges all reservations of a resource. It is
// the cascade hook of the product registry and is a no-op when none exist.
func (s *BookingService) DeleteReservationsForResource(ctx context.Context, resourceID int64) (int64, error) {
	unlock, err := s.lockResource(ctx, resourceID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n, err := s.store.DeleteReservationsByResource(ctx, resourceID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("resource_id", resourceID).Int64("removed", n).Msg("reservations purged")
	}
	return n, nil
}

func (s *BookingService) lockResource(ctx context.Context, resourceID int64) (lock.Unlock, error) {
	started := time.Now()
	unlock, err := s.locker.Lock(ctx, lock.ResourceKey(resourceID))
	metrics.ObserveLockWait(time.Since(started))
	if err != nil {
		return nil, domain.Unavailable("acquire resource lock", err)
	}
	return unlock, nil
}

func (s *BookingService) publishStatusChange(ctx context.Context, r *models.Reservation, status models.Status) {
	ownerID, err := s.registry.ResourceOwner(ctx, r.ResourceID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("resource_id", r.ResourceID).Msg("owner lookup failed for status event")
	}
	s.publish(events.ReservationStatusChanged, models.StatusChange{
		ReservationID: r.ID,
		ResourceID:    r.ResourceID,
		RenterID:      r.RenterID,
		OwnerID:       ownerID,
		Status:        status,
		ChangedAt:     s.clock.Now(),
	})
}

// publish hands the event to the outbound queue. The state change has
// already committed, so failures are only logged.
func (s *BookingService) publish(evType string, payload interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishJSON(evType, payload); err != nil {
		s.logger.Warn().Err(err).Str("type", evType).Msg("failed to publish event")
	}
}

// normalizeRange converts to UTC at the one-second resolution the stores
// keep. The start rounds down and the end rounds up, so a non-empty range
// never collapses.
func normalizeRange(start, end time.Time) (time.Time, time.Time) {
	start = start.UTC().Truncate(time.Second)
	rounded := end.UTC().Truncate(time.Second)
	if rounded.Before(end) {
		rounded = rounded.Add(time.Second)
	}
	return start, rounded
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrOverlapConflict):
		return "conflict"
	case domain.IsBusinessError(err):
		return "rejected"
	default:
		return "error"
	}
}
