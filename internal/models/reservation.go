package models

import "time"

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// IsValid reports whether s is one of the known statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusWaiting, StatusAccepted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// Occupies reports whether a reservation in this status holds its interval.
// Rejected and cancelled reservations leave the interval free.
func (s Status) Occupies() bool {
	return s == StatusWaiting || s == StatusAccepted
}

// ActiveStatuses are the statuses counted by the overlap check.
var ActiveStatuses = []Status{StatusWaiting, StatusAccepted}

// Reservation is a renter's claim on a product for [StartDate, EndDate).
type Reservation struct {
	ID         int64     `json:"id"`
	ResourceID int64     `json:"resource_id"`
	RenterID   int64     `json:"renter_id"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"` // exclusive
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Duration returns the length of the reserved interval.
func (r *Reservation) Duration() time.Duration {
	return r.EndDate.Sub(r.StartDate)
}

// Nights returns the number of whole days covered by the reservation.
func (r *Reservation) Nights() int {
	return int(r.Duration().Hours() / 24)
}

// OverlapsWith checks if this reservation overlaps with another one.
// Uses half-open interval [start, end) semantics, touching endpoints do not overlap.
func (r *Reservation) OverlapsWith(other *Reservation) bool {
	return Overlaps(r.StartDate, r.EndDate, other.StartDate, other.EndDate)
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// ReservationView is a reservation as seen by a particular viewer.
type ReservationView struct {
	Reservation
	IsRenter  bool `json:"is_renter"`
	CanCancel bool `json:"can_cancel"`
}

// NewReservationView annotates r for viewerID.
func NewReservationView(r Reservation, viewerID int64) ReservationView {
	isRenter := viewerID != 0 && r.RenterID == viewerID
	return ReservationView{
		Reservation: r,
		IsRenter:    isRenter,
		CanCancel:   isRenter && r.Status == StatusWaiting,
	}
}

// AcceptedDeal pairs an accepted reservation with both parties.
type AcceptedDeal struct {
	ReservationID int64     `json:"reservation_id"`
	ResourceID    int64     `json:"resource_id"`
	RenterID      int64     `json:"renter_id"`
	OwnerID       int64     `json:"owner_id"`
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`
}

// StatusChange is delivered to the notification sink after a transition commits.
type StatusChange struct {
	ReservationID int64     `json:"reservation_id"`
	ResourceID    int64     `json:"resource_id"`
	RenterID      int64     `json:"renter_id"`
	OwnerID       int64     `json:"owner_id"`
	Status        Status    `json:"status"`
	ChangedAt     time.Time `json:"changed_at"`
}
