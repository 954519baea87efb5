package models

import "time"

// Product is a listed item that can be reserved.
type Product struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Title     string    `json:"title"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

// ReservationCount is the number of reservations ever made for a product.
type ReservationCount struct {
	ResourceID int64 `json:"resource_id"`
	Count      int64 `json:"count"`
}
